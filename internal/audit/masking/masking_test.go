package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "whsec_****cdef", MaskSecret("whsec_0123456789abcdef"))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "", MaskSecret("  "))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j****@example.com", MaskEmail("jane@example.com"))
}

func TestMaskMetadata(t *testing.T) {
	out := MaskMetadata(map[string]any{
		"email":      "jane@example.com",
		"api_token":  "tok_123456789",
		"product_id": "prod_50",
		"nested":     map[string]any{"payer_email": "bob@example.com"},
	})
	assert.Equal(t, "j****@example.com", out["email"])
	assert.Equal(t, "tok_****6789", out["api_token"])
	assert.Equal(t, "prod_50", out["product_id"])
	assert.Equal(t, "b****@example.com", out["nested"].(map[string]any)["payer_email"])
}
