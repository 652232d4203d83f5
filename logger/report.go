package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsAdapter  int64
	errorsOracle   int64
	warnsAdapter   int64
	warnsOracle    int64
	adapterFetches int64
	oracleQuotes   int64
	s3Snapshots    int64
	breakerTrips   int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "adapter") {
		atomic.AddInt64(&warnsAdapter, 1)
	} else if strings.Contains(component, "oracle") {
		atomic.AddInt64(&warnsOracle, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "adapter") {
		atomic.AddInt64(&errorsAdapter, 1)
	} else if strings.Contains(component, "oracle") {
		atomic.AddInt64(&errorsOracle, 1)
	}
}

// IncrementAdapterFetch records a completed adapter fetch returning the given
// number of positions.
func IncrementAdapterFetch(positions int) {
	atomic.AddInt64(&adapterFetches, 1)
	recordChannel("adapter_fetch", positions)
}

// IncrementOracleQuote records a completed price oracle lookup covering the
// given number of symbols.
func IncrementOracleQuote(symbols int) {
	atomic.AddInt64(&oracleQuotes, 1)
	recordChannel("oracle_quote", symbols)
}

// IncrementS3Snapshot records a portfolio snapshot batch written to S3.
func IncrementS3Snapshot(size int64) {
	atomic.AddInt64(&s3Snapshots, 1)
	recordChannel("s3_snapshot_write", int(size))
}

// IncrementBreakerTrip records a circuit breaker opening.
func IncrementBreakerTrip() {
	atomic.AddInt64(&breakerTrips, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_adapter":  atomic.LoadInt64(&errorsAdapter),
		"errors_oracle":   atomic.LoadInt64(&errorsOracle),
		"warns_adapter":   atomic.LoadInt64(&warnsAdapter),
		"warns_oracle":    atomic.LoadInt64(&warnsOracle),
		"adapter_fetches": atomic.LoadInt64(&adapterFetches),
		"oracle_quotes":   atomic.LoadInt64(&oracleQuotes),
		"s3_snapshots":    atomic.LoadInt64(&s3Snapshots),
		"breaker_trips":   atomic.LoadInt64(&breakerTrips),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"disk_mb":         int64(diskStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("AdapterErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_adapter"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OracleErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_oracle"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AdapterWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_adapter"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OracleWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_oracle"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AdapterFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["adapter_fetches"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OracleQuotes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["oracle_quotes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Snapshots"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_snapshots"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BreakerTrips"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["breaker_trips"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
