package bindless

// Option configures a Registry.
type Option func(*options)

type options struct {
	table DescriptorTable
}

// WithDescriptorTable sets the table the registry writes descriptors into.
// The default is a SliceTable with DefaultStride records.
func WithDescriptorTable(t DescriptorTable) Option {
	return func(o *options) {
		o.table = t
	}
}
