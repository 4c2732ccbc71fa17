package types

// BufferObject is a GPU buffer resolved and locked by the buffer-object
// collaborator. Offset is its GPU virtual address.
type BufferObject struct {
	Handle uint32
	Offset uint32
	Size   uint32
}
