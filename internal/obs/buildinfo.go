package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coursegate_build_info",
			Help: "Coursegate authorization service build information.",
		},
		[]string{"version", "commit", "binary"},
	)
)

// InitBuildInfo registers build_info once and sets it to 1 for the running binary.
func InitBuildInfo(binary, version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, binary).Set(1)
	l := Logger()
	l.Info().Str("binary", binary).Str("version", version).Str("commit", commit).Msg("build info")
}
