package tensor

import "errors"

var (
	// ErrShape is returned when tensor or store dimensions disagree.
	ErrShape = errors.New("tensor: shape mismatch")

	// ErrBatchMismatch is returned when the query batch is not a multiple of the cache batch.
	ErrBatchMismatch = errors.New("tensor: query batch is not a multiple of cache batch")

	// ErrDType is returned for unknown or incompatible storage dtypes.
	ErrDType = errors.New("tensor: unsupported dtype")

	// ErrChunking is returned when the sequence cannot be split evenly into chunks.
	ErrChunking = errors.New("tensor: sequence length not divisible by chunk count")
)
