package uringio

// Engine is the completion-queue facility the reactor drives. Operations are
// recorded by Enqueue and handed to the kernel by SubmitAndCollect, which then
// returns up to max completions. With wait set it blocks until at least one
// completion is available.
//
// An Engine is owned by a single reactor and is never used concurrently.
type Engine interface {
	Enqueue(op *Operation) (uint64, error)
	SubmitAndCollect(max int, wait bool) ([]Completion, error)
	// MarkSeen releases the engine's record of a collected completion.
	MarkSeen(id uint64)
	Close() error
}
