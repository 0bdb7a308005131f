package buf

// Holder wraps a ref-counted payload and delegates Retain/Release to it,
// matching spec.md section 3's "buffer holder" concept: PUBLISH's payload
// field is a Holder rather than a bare *Buffer, so a handler can swap the
// payload (e.g. a transform stage rewriting message bodies) via Replace.
// Replace does not touch the old payload's reference count; releasing it
// stays the caller's job.
type Holder struct {
	payload *Buffer
}

// NewHolder wraps payload in a new Holder. The Holder does not take an
// extra retain; it assumes ownership of the reference the caller already
// holds.
func NewHolder(payload *Buffer) *Holder {
	return &Holder{payload: payload}
}

// Payload returns the wrapped buffer.
func (h *Holder) Payload() *Buffer {
	return h.payload
}

// Retain increments the wrapped payload's reference count and returns h.
func (h *Holder) Retain() *Holder {
	h.payload.Retain()
	return h
}

// Release decrements the wrapped payload's reference count, returning true
// iff it reached zero.
func (h *Holder) Release() bool {
	return h.payload.Release()
}

// Replace returns a new Holder wrapping newPayload. Ownership of the
// previous payload remains with the caller: Replace does not release it,
// matching spec.md's "ownership of the previous payload remains with the
// caller."
func (h *Holder) Replace(newPayload *Buffer) *Holder {
	return NewHolder(newPayload)
}
