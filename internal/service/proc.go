package service

// memUsage is resident memory in bytes. Anonymous and FileBacked are zero
// when the platform cannot split RSS.
type memUsage struct {
	RSS        uint64
	Anonymous  uint64
	FileBacked uint64
}
