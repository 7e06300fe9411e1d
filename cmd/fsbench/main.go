//go:build linux
// +build linux

package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/keystonekv/blockfs/pkg/file"
	"github.com/keystonekv/blockfs/pkg/hash"
)

const checksumSize = 8

type BenchConfig struct {
	Backend        string
	Path           string
	BlockSize      int64
	HeadBufferSize int64
	DirectAccess   bool
	SyncHard       bool
	Duration       time.Duration
	NumWriters     int
	NumReaders     int
	ValueSizeBytes int
}

type BenchMetrics struct {
	totalAppends   int64
	totalReads     int64
	checksumErrors int64
	appendBytes    int64
	readLatencyNs  int64
	writeLatencyNs int64
}

func loadConfig() BenchConfig {
	viper.AutomaticEnv()
	viper.SetDefault("FSBENCH_BACKEND", "block_parallel")
	viper.SetDefault("FSBENCH_PATH", filepath.Join(os.TempDir(), "fsbench.dat"))
	viper.SetDefault("FSBENCH_BLOCK_SIZE", 512)
	viper.SetDefault("FSBENCH_HEAD_BUFFER_SIZE", 0)
	viper.SetDefault("FSBENCH_DIRECT_ACCESS", false)
	viper.SetDefault("FSBENCH_SYNC_HARD", false)
	viper.SetDefault("FSBENCH_DURATION_SEC", 10)
	viper.SetDefault("FSBENCH_NUM_WRITERS", 4)
	viper.SetDefault("FSBENCH_NUM_READERS", 4)
	viper.SetDefault("FSBENCH_VALUE_SIZE_BYTES", 1024)

	return BenchConfig{
		Backend:        viper.GetString("FSBENCH_BACKEND"),
		Path:           viper.GetString("FSBENCH_PATH"),
		BlockSize:      viper.GetInt64("FSBENCH_BLOCK_SIZE"),
		HeadBufferSize: viper.GetInt64("FSBENCH_HEAD_BUFFER_SIZE"),
		DirectAccess:   viper.GetBool("FSBENCH_DIRECT_ACCESS"),
		SyncHard:       viper.GetBool("FSBENCH_SYNC_HARD"),
		Duration:       time.Duration(viper.GetInt("FSBENCH_DURATION_SEC")) * time.Second,
		NumWriters:     viper.GetInt("FSBENCH_NUM_WRITERS"),
		NumReaders:     viper.GetInt("FSBENCH_NUM_READERS"),
		ValueSizeBytes: viper.GetInt("FSBENCH_VALUE_SIZE_BYTES"),
	}
}

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	config := loadConfig()

	f, err := file.NewFileByName(config.Backend)
	if err != nil {
		log.Error().Msgf("Unknown backend %q: %v", config.Backend, err)
		return
	}
	accessOpts := file.AccessDefault
	if config.DirectAccess {
		accessOpts |= file.AccessDirect
	}
	if err := f.SetAccessStrategy(config.BlockSize, config.HeadBufferSize, accessOpts); err != nil {
		log.Error().Msgf("SetAccessStrategy failed: %v", err)
		return
	}
	openOpts := file.OpenTruncate
	if config.SyncHard {
		openOpts |= file.OpenSyncHard
	}
	if err := f.Open(config.Path, true, openOpts); err != nil {
		log.Error().Msgf("Error opening %s: %v", config.Path, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Error().Msgf("Close failed: %v", err)
		}
		os.Remove(config.Path)
	}()

	log.Info().Msgf("Starting bench: backend=%s path=%s direct=%v writers=%d readers=%d",
		config.Backend, config.Path, config.DirectAccess, config.NumWriters, config.NumReaders)
	runBench(f, config)
}

// offsetIndex records where each appended record landed so readers can
// verify it later.
type offsetIndex struct {
	mu      sync.RWMutex
	offsets []int64
}

func (x *offsetIndex) add(off int64) {
	x.mu.Lock()
	x.offsets = append(x.offsets, off)
	x.mu.Unlock()
}

func (x *offsetIndex) pick(rng *rand.Rand) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.offsets) == 0 {
		return 0, false
	}
	return x.offsets[rng.Intn(len(x.offsets))], true
}

func runBench(f file.File, config BenchConfig) {
	metrics := &BenchMetrics{}
	index := &offsetIndex{}
	recordSize := checksumSize + config.ValueSizeBytes
	var wg sync.WaitGroup

	startTime := time.Now()
	endTime := startTime.Add(config.Duration)

	for i := 0; i < config.NumWriters; i++ {
		wg.Add(1)
		go appendWorker(f, config, metrics, index, endTime, &wg, i)
	}
	for i := 0; i < config.NumReaders; i++ {
		wg.Add(1)
		go readWorker(f, recordSize, metrics, index, endTime, &wg, i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			elapsed := time.Since(startTime)
			if elapsed >= config.Duration {
				return
			}
			printProgress(metrics, elapsed)
		}
	}()

	wg.Wait()

	if err := f.Synchronize(config.SyncHard); err != nil {
		log.Error().Msgf("Synchronize failed: %v", err)
	}
	printFinalResults(f, metrics, time.Since(startTime))
}

// Each record is an XXH64 checksum of the payload followed by the
// payload itself.
func appendWorker(f file.File, config BenchConfig, metrics *BenchMetrics, index *offsetIndex, endTime time.Time, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	record := make([]byte, checksumSize+config.ValueSizeBytes)

	for time.Now().Before(endTime) {
		payload := record[checksumSize:]
		for i := range payload {
			payload[i] = byte(rng.Intn(256))
		}
		binary.BigEndian.PutUint64(record[:checksumSize], hash.XX64(payload))

		start := time.Now()
		off, err := f.Append(record)
		latency := time.Since(start).Nanoseconds()
		if err != nil {
			log.Error().Msgf("Append error at worker %d: %v", workerID, err)
			return
		}
		atomic.AddInt64(&metrics.totalAppends, 1)
		atomic.AddInt64(&metrics.appendBytes, int64(len(record)))
		atomic.AddInt64(&metrics.writeLatencyNs, latency)
		index.add(off)
	}
}

func readWorker(f file.File, recordSize int, metrics *BenchMetrics, index *offsetIndex, endTime time.Time, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)*7919))
	record := make([]byte, recordSize)

	for time.Now().Before(endTime) {
		off, ok := index.pick(rng)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		start := time.Now()
		err := f.Read(off, record)
		latency := time.Since(start).Nanoseconds()
		if err != nil {
			log.Error().Msgf("Read error at offset %d: %v", off, err)
			return
		}
		atomic.AddInt64(&metrics.totalReads, 1)
		atomic.AddInt64(&metrics.readLatencyNs, latency)

		want := binary.BigEndian.Uint64(record[:checksumSize])
		if got := hash.XX64(record[checksumSize:]); got != want {
			atomic.AddInt64(&metrics.checksumErrors, 1)
			log.Error().Msgf("Checksum mismatch at offset %d: got %016x want %016x", off, got, want)
		}
	}
}

func printProgress(metrics *BenchMetrics, elapsed time.Duration) {
	appends := atomic.LoadInt64(&metrics.totalAppends)
	reads := atomic.LoadInt64(&metrics.totalReads)
	total := appends + reads
	if total == 0 {
		return
	}
	log.Info().Msgf("Progress [%v]: Total ops: %d, Ops/sec: %.2f, Appends: %d, Reads: %d",
		elapsed.Truncate(time.Second), total, float64(total)/elapsed.Seconds(), appends, reads)
}

func printFinalResults(f file.File, metrics *BenchMetrics, elapsed time.Duration) {
	appends := atomic.LoadInt64(&metrics.totalAppends)
	reads := atomic.LoadInt64(&metrics.totalReads)
	checksumErrors := atomic.LoadInt64(&metrics.checksumErrors)
	appendBytes := atomic.LoadInt64(&metrics.appendBytes)
	readLatencyNs := atomic.LoadInt64(&metrics.readLatencyNs)
	writeLatencyNs := atomic.LoadInt64(&metrics.writeLatencyNs)
	size, _ := f.Size()

	fmt.Printf("\n%s\n", strings.Repeat("=", 60))
	fmt.Println("BENCH RESULTS")
	fmt.Printf("%s\n", strings.Repeat("=", 60))
	fmt.Printf("Duration: %v\n", elapsed.Truncate(time.Millisecond))
	fmt.Printf("Appends: %d (%.2f/sec, %.2f MB)\n",
		appends, float64(appends)/elapsed.Seconds(), float64(appendBytes)/(1024*1024))
	fmt.Printf("Reads: %d (%.2f/sec)\n", reads, float64(reads)/elapsed.Seconds())
	fmt.Printf("Checksum Errors: %d\n", checksumErrors)
	fmt.Printf("File Size: %d\n", size)
	if appends > 0 {
		fmt.Printf("Average Append Latency: %v\n", time.Duration(writeLatencyNs/appends))
	}
	if reads > 0 {
		fmt.Printf("Average Read Latency: %v\n", time.Duration(readLatencyNs/reads))
	}
	fmt.Printf("%s\n", strings.Repeat("=", 60))
}
