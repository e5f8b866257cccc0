package debugger

import (
	"github.com/fnproject/fndebug/api/common"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats/view"
)

var (
	runMeasure    = common.MakeMeasure("debugger_run_latency", "local execution of a forwarded activation", "msecs")
	reloadMeasure = common.MakeMeasure("debugger_reloads", "sandbox reloads after source changes", "")
)

// RegisterViews creates and registers the debugger views.
func RegisterViews(latencyDist []float64) {
	err := view.Register(
		common.CreateViewWithTags(runMeasure, view.Distribution(latencyDist...), common.OpTags()),
		common.CreateViewWithTags(reloadMeasure, view.Count(), common.OpTags()),
	)
	if err != nil {
		logrus.WithError(err).Fatal("cannot register view")
	}
}
