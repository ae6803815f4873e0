package pace

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"CallWave/internal/cache"
)

// 健康采样直接读 /proc，避免为两个数字引一套系统监控依赖。
// CPU 利用率需要两次采样做差，第一次 Sample 的 CPU 恒为 0。

// HealthSample 一次采样的全部信号
type HealthSample struct {
	CPUUsage    float64 // 0.0 - 1.0
	MemUsage    float64 // 0.0 - 1.0
	ActiveCalls int
	AnswerRate  float64
	Dials       int // 应答率窗口内的拨号数，为 0 时应答率不可信
}

// Sampler 周期性收集系统与业务健康信号
type Sampler struct {
	prevIdle  uint64
	prevTotal uint64

	// 注入以便测试
	readFile    func(name string) ([]byte, error)
	activeCalls func(ctx context.Context) (int, error)
	answerRate  func(ctx context.Context, now time.Time) (float64, int, error)
	now         func() time.Time
}

func NewSampler() *Sampler {
	return &Sampler{
		readFile:    os.ReadFile,
		activeCalls: cache.ActiveCalls,
		answerRate:  cache.AnswerRate,
		now:         time.Now,
	}
}

// Sample 收集一轮信号。任何一项采不到都返回错误，
// 调速器对采样失败的处理是维持现状，绝不在黑暗中调速。
func (s *Sampler) Sample(ctx context.Context) (HealthSample, error) {
	var sample HealthSample

	cpu, err := s.sampleCPU()
	if err != nil {
		return sample, fmt.Errorf("failed to sample cpu: %w", err)
	}
	sample.CPUUsage = cpu

	mem, err := s.sampleMemory()
	if err != nil {
		return sample, fmt.Errorf("failed to sample memory: %w", err)
	}
	sample.MemUsage = mem

	active, err := s.activeCalls(ctx)
	if err != nil {
		return sample, fmt.Errorf("failed to read active calls: %w", err)
	}
	sample.ActiveCalls = active

	rate, dials, err := s.answerRate(ctx, s.now())
	if err != nil {
		return sample, fmt.Errorf("failed to read answer rate: %w", err)
	}
	sample.AnswerRate = rate
	sample.Dials = dials

	return sample, nil
}

// sampleCPU 解析 /proc/stat 首行，用相邻两次采样的差值算利用率。
func (s *Sampler) sampleCPU() (float64, error) {
	data, err := s.readFile("/proc/stat")
	if err != nil {
		return 0, err
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to parse /proc/stat field: %w", err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	prevIdle, prevTotal := s.prevIdle, s.prevTotal
	s.prevIdle, s.prevTotal = idle, total

	if prevTotal == 0 || total <= prevTotal {
		return 0, nil
	}

	deltaTotal := total - prevTotal
	deltaIdle := idle - prevIdle
	return 1.0 - float64(deltaIdle)/float64(deltaTotal), nil
}

// sampleMemory 解析 /proc/meminfo，用 MemAvailable/MemTotal 算占用率。
func (s *Sampler) sampleMemory() (float64, error) {
	data, err := s.readFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}

	var total, available uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}

	if total == 0 {
		return 0, fmt.Errorf("MemTotal missing in /proc/meminfo")
	}
	return 1.0 - float64(available)/float64(total), nil
}
