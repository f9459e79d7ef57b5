package version

import "runtime/debug"

// AppName is the binary name reported in logs, metrics and the fetch User-Agent.
const AppName = "rulesync"

// set via -ldflags "-X .../internal/version.Version=..."
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
	BuildID   string
	VCSDirty  *bool
)

type Info struct {
	AppName    string `json:"app"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	BuildID    string `json:"build_id,omitempty"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges linker-injected values with the module build info.
// Linker values win; vcs settings only fill gaps.
func Get() Info {
	out := Info{
		AppName:   AppName,
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		BuildID:   BuildID,
		VCSDirty:  VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if out.VCSDirty == nil && (s.Value == "true" || s.Value == "false") {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// UserAgent is sent on every outbound fetch so upstream mirrors can identify us.
func UserAgent() string {
	return AppName + "/" + Version
}
