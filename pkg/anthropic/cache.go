package anthropic

// BuildCachedSystemBlocks constructs a system block with a 5-minute cache
// breakpoint. Used for the fixed extraction and classification prompts.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
