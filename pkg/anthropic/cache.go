package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. The extraction instructions are identical across documents,
// so every call after the first reads them from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
