package version

import (
	"encoding/json"
	"log"
	"os"
)

// Set at build time with
// -ldflags "-X github.com/fetcharr/fetcharr/internal/version.Version=...".
// When unset, version.json next to the binary wins.
var Version = ""

type Info struct {
	Version string `json:"version"`
}

func Load() Info {
	if Version != "" {
		return Info{Version: Version}
	}
	data, err := os.ReadFile("version.json")
	if err != nil {
		log.Printf("warning: could not read version.json: %v", err)
		return Info{Version: "0.0.0"}
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		log.Printf("warning: could not parse version.json: %v", err)
		return Info{Version: "0.0.0"}
	}
	return info
}
