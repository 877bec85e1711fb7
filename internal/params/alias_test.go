package params

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/graphrun/pkg/schema"
)

func TestResolveExpandsAliasGroup(t *testing.T) {
	patch := Resolve("negative_prompt", schema.String("blurry"))
	assert.Len(t, patch, 2)
	assert.True(t, patch["negativePrompt"].Equal(schema.String("blurry")))
	assert.True(t, patch["negative_prompt"].Equal(schema.String("blurry")))

	patch = Resolve("cfgScale", schema.Number(9))
	assert.Len(t, patch, 2)
	assert.True(t, patch["cfg_scale"].Equal(schema.Number(9)))
}

func TestResolveSingleKeyPassesThrough(t *testing.T) {
	patch := Resolve("prompt", schema.String("a cat"))
	assert.Equal(t, map[string]schema.Value{"prompt": schema.String("a cat")}, patch)

	// Unknown keys are their own group, never an error.
	patch = Resolve("totally_unknown", schema.Int(1))
	assert.Len(t, patch, 1)
	assert.True(t, patch["totally_unknown"].Equal(schema.Int(1)))
}

func TestAliases(t *testing.T) {
	assert.ElementsMatch(t, []string{"cfgScale", "cfg_scale"}, Aliases("cfg_scale"))
	assert.Equal(t, []string{"prompt"}, Aliases("prompt"))
}
