package models

// FileInfo is the cached metadata of a content-addressed file. The SHA256
// is the primary identity of the file inside a submission.
type FileInfo struct {
	SHA256 string `json:"sha256"`
	SHA1   string `json:"sha1,omitempty"`
	MD5    string `json:"md5,omitempty"`
	Magic  string `json:"magic,omitempty"`
	MIME   string `json:"mime,omitempty"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
}
