package bind_group_provider

// BufferWrite is a queued host-to-device write into the buffer a provider holds at a binding.
// Readback requests use it to upload their input before the dispatch that reads it.
type BufferWrite struct {
	Provider BindGroupProvider
	Binding  int
	Offset   uint64 // byte offset into the buffer, a multiple of 4
	Data     []byte
}
