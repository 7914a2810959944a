package models

// ContentOptions selects how a revision's attachments are presented.
// The zero value renders every attachment as a stub.
type ContentOptions uint8

const (
	// IncludeAttachments inlines attachment bodies below the size threshold.
	IncludeAttachments ContentOptions = 1 << iota
	// BigAttachmentsFollow marks bodies at or above the threshold as "follows"
	// instead of stubs. Only meaningful with IncludeAttachments.
	BigAttachmentsFollow
)

// Has reports whether every flag in flag is set.
func (o ContentOptions) Has(flag ContentOptions) bool {
	return o&flag == flag
}
