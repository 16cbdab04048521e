package utils

// Header is a single request header. Fetch requests carry headers as a slice
// so they go on the wire in the order the caller gave them.
type Header struct {
	Name  string
	Value string
}

// FetchEntry is one item of a YAML fetch list.
type FetchEntry struct {
	OutputPath string `yaml:"op"`
	URL        string `yaml:"link"`
	Referer    string `yaml:"referer,omitempty"`
}
