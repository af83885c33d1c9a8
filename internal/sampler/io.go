package sampler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"annbench/internal/monitor"

	log "github.com/sirupsen/logrus"
)

type IOStage string

const (
	StageBPF       IOStage = "bpftrace"
	StageIostat    IOStage = "iostat"
	StageDiskstats IOStage = "diskstats"
)

var DefaultIOStages = []IOStage{StageBPF, StageIostat, StageDiskstats}

const bpfScript = `
tracepoint:block:block_rq_issue {
	@total_bytes += args->bytes;
	if (args->rwbs[0] == 82) { @read_bytes += args->bytes; }
	else if (args->rwbs[0] == 87) { @write_bytes += args->bytes; }
}
END {
	printf("Total bytes: %d\n", @total_bytes);
	printf("Read bytes: %d\n", @read_bytes);
	printf("Write bytes: %d\n", @write_bytes);
	clear(@total_bytes); clear(@read_bytes); clear(@write_bytes);
}`

func NewIOFactory(stages ...IOStage) monitor.ProbeFactory {
	return func(trialDuration time.Duration) monitor.Probe {
		return &IOProbe{Stages: stages, Duration: trialDuration}
	}
}

// IOProbe measures block device traffic during a trial. Stages are tried in
// order, each degrading to the next one on failure.
type IOProbe struct {
	Stages        []IOStage
	Duration      time.Duration
	DiskstatsPath string

	mu     sync.Mutex
	sample monitor.Sample
	stage  IOStage
}

func (p *IOProbe) Name() string { return "io" }

func (p *IOProbe) Snapshot() monitor.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sample
}

// Stage reports the stage that produced the reading.
func (p *IOProbe) Stage() IOStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

func (p *IOProbe) set(stage IOStage, s monitor.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stage = stage
	p.sample = s
}

func (p *IOProbe) Run(ctx context.Context) error {
	stages := p.Stages
	if len(stages) == 0 {
		stages = DefaultIOStages
	}

	start := time.Now()
	baseline, baselineErr := p.readDiskstats()

	var errs []error
	for _, stage := range stages {
		var err error
		switch stage {
		case StageBPF:
			err = p.runBPF(ctx)
		case StageIostat:
			err = p.runIostat(ctx, start)
		case StageDiskstats:
			if baselineErr != nil {
				err = baselineErr
				break
			}
			<-ctx.Done()
			err = p.finishDiskstats(baseline)
		default:
			err = fmt.Errorf("unknown stage %q", stage)
		}
		if err == nil {
			return nil
		}

		log.WithError(err).WithField("stage", stage).Debug("I/O stage unavailable")
		errs = append(errs, fmt.Errorf("%v: %w", stage, err))
	}
	return errors.Join(errs...)
}

func (p *IOProbe) runBPF(ctx context.Context) error {
	if !available("bpftrace") {
		return errors.New("bpftrace not found")
	}
	out, err := runUntilDone(ctx, "bpftrace", "-e", bpfScript)
	if err != nil {
		return err
	}
	s, err := ParseBPFTrace(out)
	if err != nil {
		return err
	}
	p.set(StageBPF, s)
	return nil
}

func (p *IOProbe) runIostat(ctx context.Context, start time.Time) error {
	if ctx.Err() != nil {
		return errors.New("trial already finished")
	}
	if !available("iostat") {
		return errors.New("iostat not found")
	}

	count := max(2, int(math.Ceil(p.Duration.Seconds()))+1)
	out, err := runUntilDone(ctx, "iostat", "-d", "1", strconv.Itoa(count))
	if err != nil {
		return err
	}
	readKBs, writeKBs, err := ParseIostat(out)
	if err != nil {
		return err
	}

	secs := time.Since(start).Seconds()
	p.set(StageIostat, monitor.Sample{
		ReadBytes:  uint64(readKBs * 1024 * secs),
		WriteBytes: uint64(writeKBs * 1024 * secs),
	})
	return nil
}

func (p *IOProbe) finishDiskstats(baseline DiskCounters) error {
	cur, err := p.readDiskstats()
	if err != nil {
		return err
	}
	p.set(StageDiskstats, cur.Since(baseline))
	return nil
}

func (p *IOProbe) readDiskstats() (DiskCounters, error) {
	path := p.DiskstatsPath
	if path == "" {
		path = "/proc/diskstats"
	}
	f, err := os.Open(path)
	if err != nil {
		return DiskCounters{}, err
	}
	defer f.Close()
	return ParseDiskstats(f)
}

// ParseBPFTrace reads the byte totals printed by the END block of the block
// tracepoint script.
func ParseBPFTrace(out []byte) (monitor.Sample, error) {
	var s monitor.Sample
	var total uint64
	foundTotal := false

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Total bytes":
			total = v
			foundTotal = true
		case "Read bytes":
			s.ReadBytes = v
		case "Write bytes":
			s.WriteBytes = v
		}
	}
	if !foundTotal {
		return s, errors.New("no final stats in bpftrace output")
	}
	if s.ReadBytes == 0 && s.WriteBytes == 0 {
		s.ReadBytes = total
	}
	return s, nil
}

// ParseIostat averages the kB_read/s and kB_wrtn/s columns of all device
// lines of `iostat -d` output. The first report holds averages since boot
// and is skipped when later reports exist.
func ParseIostat(out []byte) (readKBs, writeKBs float64, err error) {
	type report struct {
		read, write float64
		lines       int
	}
	var reports []report
	readCol, writeCol := 2, 3

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if strings.HasPrefix(fields[0], "Device") {
			for i, f := range fields {
				switch f {
				case "kB_read/s":
					readCol = i
				case "kB_wrtn/s":
					writeCol = i
				}
			}
			reports = append(reports, report{})
			continue
		}
		if len(reports) == 0 || len(fields) <= max(readCol, writeCol) {
			continue
		}

		r, err1 := strconv.ParseFloat(fields[readCol], 64)
		w, err2 := strconv.ParseFloat(fields[writeCol], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		cur := &reports[len(reports)-1]
		cur.read += r
		cur.write += w
		cur.lines++
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}

	if len(reports) > 1 {
		reports = reports[1:]
	}
	var n float64
	for _, rep := range reports {
		if rep.lines == 0 {
			continue
		}
		readKBs += rep.read
		writeKBs += rep.write
		n++
	}
	if n == 0 {
		return 0, 0, errors.New("no device lines in iostat output")
	}
	return readKBs / n, writeKBs / n, nil
}

// DiskCounters holds cumulative sector counts of whole disks.
type DiskCounters struct {
	ReadSectors  uint64
	WriteSectors uint64
}

const sectorSize = 512

func (c DiskCounters) Since(start DiskCounters) monitor.Sample {
	var s monitor.Sample
	if c.ReadSectors >= start.ReadSectors {
		s.ReadBytes = (c.ReadSectors - start.ReadSectors) * sectorSize
	}
	if c.WriteSectors >= start.WriteSectors {
		s.WriteBytes = (c.WriteSectors - start.WriteSectors) * sectorSize
	}
	return s
}

var (
	virtualDevice = regexp.MustCompile(`^(loop|ram|zram|dm-|md|sr)\d*`)
	partitionTail = regexp.MustCompile(`^p?\d+$`)
)

// ParseDiskstats sums the sector counters of the physical disks listed in
// /proc/diskstats. Partitions and virtual devices are skipped so traffic is
// not counted twice.
func ParseDiskstats(r io.Reader) (DiskCounters, error) {
	type dev struct {
		name          string
		read, written uint64
	}
	var devs []dev

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		name := fields[2]
		if virtualDevice.MatchString(name) {
			continue
		}
		read, err := strconv.ParseUint(fields[5], 10, 64)
		if err != nil {
			return DiskCounters{}, fmt.Errorf("parse sectors read of %v: %w", name, err)
		}
		written, err := strconv.ParseUint(fields[9], 10, 64)
		if err != nil {
			return DiskCounters{}, fmt.Errorf("parse sectors written of %v: %w", name, err)
		}
		devs = append(devs, dev{name, read, written})
	}
	if err := scanner.Err(); err != nil {
		return DiskCounters{}, err
	}

	isPartition := func(name string) bool {
		for _, d := range devs {
			if d.name != name && strings.HasPrefix(name, d.name) &&
				partitionTail.MatchString(name[len(d.name):]) {
				return true
			}
		}
		return false
	}

	var c DiskCounters
	for _, d := range devs {
		if isPartition(d.name) {
			continue
		}
		c.ReadSectors += d.read
		c.WriteSectors += d.written
	}
	return c, nil
}
