package version

import (
	"encoding/json"
	"runtime"
	rdebug "runtime/debug"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set at build time with -ldflags "-X github.com/metal-toolbox/vmbus/internal/version.GitCommit=..."
var (
	GitCommit  string
	GitBranch  string
	GitSummary string
	BuildDate  string
	AppVersion string
	GoVersion  = runtime.Version()
)

type Version struct {
	GitCommit  string `json:"git_commit"`
	GitBranch  string `json:"git_branch"`
	GitSummary string `json:"git_summary"`
	BuildDate  string `json:"build_date"`
	AppVersion string `json:"app_version"`
	GoVersion  string `json:"go_version"`
	CBORLib    string `json:"cbor_lib"`
}

func Current() Version {
	return Version{
		GitBranch:  GitBranch,
		GitCommit:  GitCommit,
		GitSummary: GitSummary,
		BuildDate:  BuildDate,
		AppVersion: AppVersion,
		GoVersion:  GoVersion,
		CBORLib:    cborVersion(),
	}
}

// AsMap returns the version fields as a string map, for logging and otel attributes.
func (v Version) AsMap() (map[string]string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal version")
	}

	out := map[string]string{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal version")
	}

	return out, nil
}

// AsLogFields returns the version as slog key/value pairs.
func (v Version) AsLogFields() []any {
	return []any{
		"gitCommit", v.GitCommit,
		"gitBranch", v.GitBranch,
		"appVersion", v.AppVersion,
		"buildDate", v.BuildDate,
		"goVersion", v.GoVersion,
	}
}

// ExportBuildInfoMetric publishes the build details as a constant gauge.
func ExportBuildInfoMetric() {
	buildInfo := promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmbus_build_info",
			Help: "A metric with a constant '1' value, labeled by build details.",
		},
		[]string{"branch", "goversion", "commit", "version", "cborlib"},
	)

	buildInfo.WithLabelValues(
		GitBranch,
		GoVersion,
		GitCommit,
		AppVersion,
		cborVersion(),
	).Set(1)
}

func cborVersion() string {
	buildInfo, ok := rdebug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, d := range buildInfo.Deps {
		if d.Path == "github.com/fxamacker/cbor/v2" {
			return d.Version
		}
	}

	return ""
}
