// Package tokenizer provides model-aware token accounting: exact counts via
// tiktoken for known encodings, with a CJK-aware estimator fallback for
// everything else.
package tokenizer
