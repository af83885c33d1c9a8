package sampler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"annbench/api/benchapi"
	"annbench/pkg/timeutil"

	log "github.com/sirupsen/logrus"
)

type FIOJob struct {
	Name string
	Args []string
}

// FIOJobs returns the baseline jobs: random 4k read, sequential 1MiB read and
// random 4k write.
func FIOJobs(runtime time.Duration) []FIOJob {
	rt := "--runtime=" + strconv.Itoa(max(1, int(runtime.Seconds())))
	return []FIOJob{
		{"random_4k_read", []string{"--name=rand4k", "--rw=randread", "--bs=4k", "--numjobs=1", rt, "--time_based", "--size=128M"}},
		{"sequential_read", []string{"--name=seqread", "--rw=read", "--bs=1M", "--numjobs=1", rt, "--time_based", "--direct=1", "--size=256M"}},
		{"random_4k_write", []string{"--name=rand4kw", "--rw=randwrite", "--bs=4k", "--numjobs=1", rt, "--time_based", "--size=256M"}},
	}
}

// RunFIOBaseline runs the fio baseline jobs against a scratch file in dir.
// Failures are recorded per job.
func RunFIOBaseline(ctx context.Context, dir string, runtime time.Duration) (map[string]benchapi.FIOResult, error) {
	if !available("fio") {
		return nil, errors.New("fio not found")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	testFile := filepath.Join(dir, "fio_test.tmp")
	defer os.Remove(testFile)

	results := make(map[string]benchapi.FIOResult)
	for _, job := range FIOJobs(runtime) {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		log.WithField("job", job.Name).Info("running fio job")
		jobCtx, cancel := context.WithTimeout(ctx, runtime+30*time.Second)
		args := append(job.Args, "--filename="+testFile, "--output-format=json")
		out, err := runOutput(jobCtx, "fio", args...)
		cancel()

		if err != nil {
			results[job.Name] = benchapi.FIOResult{Error: "fio failed: " + err.Error()}
			continue
		}
		res, err := ParseFIO(out)
		if err != nil {
			res = benchapi.FIOResult{Error: err.Error()}
		}
		results[job.Name] = res
	}
	return results, nil
}

type fioOutput struct {
	Jobs []struct {
		Read  fioStats `json:"read"`
		Write fioStats `json:"write"`
	} `json:"jobs"`
}

type fioStats struct {
	IOPS float64 `json:"iops"`
	BW   float64 `json:"bw"` // KiB/s
	Lat  struct {
		Mean float64 `json:"mean"`
	} `json:"lat_ns"`
}

func ParseFIO(out []byte) (benchapi.FIOResult, error) {
	var parsed fioOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return benchapi.FIOResult{}, fmt.Errorf("parse fio JSON output: %w", err)
	}
	if len(parsed.Jobs) == 0 {
		return benchapi.FIOResult{}, errors.New("no jobs in fio output")
	}

	job := parsed.Jobs[0]
	return benchapi.FIOResult{
		ReadIOPS:       job.Read.IOPS,
		ReadBWMB:       job.Read.BW / 1024,
		ReadLatencyUS:  job.Read.Lat.Mean / 1000,
		WriteIOPS:      job.Write.IOPS,
		WriteBWMB:      job.Write.BW / 1024,
		WriteLatencyUS: job.Write.Lat.Mean / 1000,
	}, nil
}

const dropCaches = "/proc/sys/vm/drop_caches"

// FlushPageCache syncs and drops the page cache. Missing permissions are
// ignored.
func FlushPageCache(ctx context.Context) {
	if _, err := runOutput(ctx, "sync"); err != nil {
		log.WithError(err).Debug("sync failed")
	}
	for _, mode := range []string{"1", "2", "3"} {
		if err := os.WriteFile(dropCaches, []byte(mode), 0o644); err != nil {
			log.WithError(err).Debug("drop caches failed")
		}
		if timeutil.Sleep(ctx, 500*time.Millisecond) != nil {
			return
		}
	}
	log.Debug("page cache flush attempted")
}
