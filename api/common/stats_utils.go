package common

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"go.opencensus.io/trace"
)

var (
	opKey     = MakeKey("op")
	statusKey = MakeKey("status")
)

func CreateView(measure stats.Measure, agg *view.Aggregation, tagKeys []string) *view.View {
	return CreateViewWithTags(measure, agg, makeKeys(tagKeys))
}

func CreateViewWithTags(measure stats.Measure, agg *view.Aggregation, tags []tag.Key) *view.View {
	return &view.View{
		Name:        measure.Name(),
		Description: measure.Description(),
		Measure:     measure,
		TagKeys:     tags,
		Aggregation: agg,
	}
}

func MakeMeasure(name string, desc string, unit string) *stats.Int64Measure {
	return stats.Int64(name, desc, unit)
}

func MakeKey(name string) tag.Key {
	key, err := tag.NewKey(name)
	if err != nil {
		logrus.WithError(err).Fatalf("cannot create tag key %v", name)
	}
	return key
}

func makeKeys(names []string) []tag.Key {
	tagKeys := make([]tag.Key, len(names))
	for i, name := range names {
		tagKeys[i] = MakeKey(name)
	}
	return tagKeys
}

// OpTags are the tag keys added by MakeTracker.
func OpTags() []tag.Key {
	return []tag.Key{opKey, statusKey}
}

// MakeTracker starts a span named name and returns a func that records the
// elapsed milliseconds into latency, tagged with op and the outcome.
func MakeTracker(ctx context.Context, latency *stats.Int64Measure, name string) (context.Context, func(error)) {
	ctx, err := tag.New(ctx, tag.Upsert(opKey, name))
	if err != nil {
		logrus.WithError(err).Fatalf("cannot add tag %v=%v", opKey, name)
	}

	ctx, span := trace.StartSpan(ctx, name)
	start := time.Now()

	return ctx, func(err error) {
		status := "ok"
		if err != nil {
			switch err {
			case context.Canceled:
				status = "canceled"
			case context.DeadlineExceeded:
				status = "timeout"
			default:
				status = "error"
			}
			span.AddAttributes(trace.StringAttribute("error", err.Error()))
		}

		ctx, err := tag.New(ctx, tag.Upsert(statusKey, status))
		if err != nil {
			logrus.WithError(err).Fatalf("cannot add tag %v=%v", statusKey, status)
		}

		stats.Record(ctx, latency.M(int64(time.Since(start)/time.Millisecond)))
		span.End()
	}
}

// RecordOp counts one occurrence of op into m.
func RecordOp(ctx context.Context, m *stats.Int64Measure, op string) {
	ctx, err := tag.New(ctx, tag.Upsert(opKey, op))
	if err != nil {
		logrus.WithError(err).Fatalf("cannot add tag %v=%v", opKey, op)
	}
	stats.Record(ctx, m.M(0))
}

// LogExporter writes every exported view row to logrus at debug level.
type LogExporter struct {
	Log logrus.FieldLogger
}

func (e *LogExporter) ExportView(vd *view.Data) {
	log := e.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	for _, row := range vd.Rows {
		fields := logrus.Fields{"view": vd.View.Name}
		for _, t := range row.Tags {
			fields[t.Key.Name()] = t.Value
		}
		switch d := row.Data.(type) {
		case *view.CountData:
			fields["count"] = d.Value
		case *view.SumData:
			fields["sum"] = d.Value
		case *view.LastValueData:
			fields["last"] = d.Value
		case *view.DistributionData:
			fields["count"] = d.Count
			fields["mean"] = d.Mean
			fields["max"] = d.Max
		}
		log.WithFields(fields).Debug("stats")
	}
}

// RegisterLogExporter installs a LogExporter reporting every period.
func RegisterLogExporter(period time.Duration) *LogExporter {
	e := &LogExporter{}
	view.RegisterExporter(e)
	view.SetReportingPeriod(period)
	return e
}
