package metrics

import (
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mjasion/balena-home/balkon/pkg/types"
)

// TimeSeriesBuilder converts captured samples to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, samples []types.ChannelSample) ([]prompb.TimeSeries, error)

// ValueFunc maps a raw value of channel ch (0-based) to the exported value
// Returning false leaves the value out
type ValueFunc func(ch int, raw float64) (float64, bool)

// ChannelSeriesOptions controls BuildChannelTimeSeries
type ChannelSeriesOptions struct {
	MetricName string
	Labels     map[string]string
	Value      ValueFunc
}

// BuildChannelTimeSeries returns a builder producing one series per channel, labelled channel="1".."N"
// Gap markers and NaN values are never exported
func BuildChannelTimeSeries(opts ChannelSeriesOptions) TimeSeriesBuilder {
	name := opts.MetricName
	if name == "" {
		name = "balkon_channel_value"
	}

	return func(ctx context.Context, samples []types.ChannelSample) ([]prompb.TimeSeries, error) {
		_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildChannelTimeSeries")
		defer span.End()

		perChannel := make(map[int][]prompb.Sample)
		for _, s := range samples {
			if s.IsGap() {
				continue
			}
			ts := int64(math.Round(s.Timestamp * 1000))
			for ch, raw := range s.Values {
				v := raw
				if opts.Value != nil {
					var ok bool
					if v, ok = opts.Value(ch, raw); !ok {
						continue
					}
				}
				if math.IsNaN(v) {
					continue
				}
				perChannel[ch] = append(perChannel[ch], prompb.Sample{Value: v, Timestamp: ts})
			}
		}

		if len(perChannel) == 0 {
			span.SetStatus(codes.Ok, "no channel samples")
			return nil, nil
		}

		channels := make([]int, 0, len(perChannel))
		for ch := range perChannel {
			channels = append(channels, ch)
		}
		sort.Ints(channels)

		timeSeries := make([]prompb.TimeSeries, 0, len(channels))
		for _, ch := range channels {
			extra := make(map[string]string, len(opts.Labels)+2)
			for k, v := range opts.Labels {
				extra[k] = v
			}
			extra["__name__"] = name
			extra["channel"] = strconv.Itoa(ch + 1)

			timeSeries = append(timeSeries, prompb.TimeSeries{
				Labels:  sortedLabels(extra),
				Samples: perChannel[ch],
			})
		}

		span.SetAttributes(
			attribute.Int("metrics.channel_time_series_count", len(timeSeries)),
		)
		span.SetStatus(codes.Ok, "channel time series built")

		return timeSeries, nil
	}
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, samples []types.ChannelSample) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries

		for _, builder := range builders {
			if builder == nil {
				continue
			}

			timeSeries, err := builder(ctx, samples)
			if err != nil {
				return nil, err
			}

			all = append(all, timeSeries...)
		}

		return all, nil
	}
}

// remote_write requires labels sorted by name
func sortedLabels(labels map[string]string) []prompb.Label {
	out := make([]prompb.Label, 0, len(labels))
	for k, v := range labels {
		out = append(out, prompb.Label{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}
