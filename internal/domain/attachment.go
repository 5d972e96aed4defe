package domain

// Attachment is an image picked by the user, not yet uploaded.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Size returns the payload length in bytes.
func (a *Attachment) Size() int64 { return int64(len(a.Data)) }

// UploadResult is returned by the image upload endpoint.
type UploadResult struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}
