package params

import "github.com/rendis/graphrun/pkg/schema"

// aliasGroups lists parameter ids that are historical synonyms of the same
// value and must never diverge. Keys without an entry form their own group.
var aliasGroups = [][]string{
	{"negativePrompt", "negative_prompt"},
	{"cfgScale", "cfg_scale"},
}

// aliasIndex maps every member of a multi-member group to the full group.
var aliasIndex = func() map[string][]string {
	idx := make(map[string][]string)
	for _, group := range aliasGroups {
		for _, key := range group {
			idx[key] = group
		}
	}
	return idx
}()

// Aliases returns the full alias group for key, including key itself.
// Keys outside any group are their own single-member group.
func Aliases(key string) []string {
	if group, ok := aliasIndex[key]; ok {
		return group
	}
	return []string{key}
}

// Resolve expands a single parameter write into a patch that covers every
// member of the key's alias group. Pure and total: unknown keys pass through
// as a single-entry patch, and no input can make it fail.
func Resolve(key string, value schema.Value) map[string]schema.Value {
	group := Aliases(key)
	patch := make(map[string]schema.Value, len(group))
	for _, member := range group {
		patch[member] = value
	}
	return patch
}
