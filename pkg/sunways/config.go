package sunways

import (
	"github.com/levenlabs/go-lflag"
)

// Configured registers the API flags and returns options that are filled in
// once the flags are parsed.
func Configured() *Options {
	baseURL := lflag.String("sunways-api-url", DefaultBaseURL, "Base URL of the Sunways portal API")

	opts := &Options{}
	lflag.Do(func() {
		opts.BaseURL = *baseURL
	})
	return opts
}
