// cvascan 离线运行一次CVA扫描并输出CSV，不启动服务
package main

import (
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wfunc/sdl-simulator/internal/device"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cvascan: %v\n", err)
		os.Exit(1)
	}
}

// options 命令行参数
type options struct {
	rates    []float64
	cycles   int
	start    float64
	end      float64
	interval float64
	seed     int64
	noise    float64
	header   bool
}

func parseFlags(args []string) (*options, error) {
	fs := flag.NewFlagSet("cvascan", flag.ContinueOnError)
	var (
		rates = fs.String("rates", "0.1", "扫描速率列表 (V/s)，逗号分隔")
		opts  options
	)
	fs.IntVar(&opts.cycles, "cycles", 1, "循环次数")
	fs.Float64Var(&opts.start, "start", -0.5, "起始电压 (V)")
	fs.Float64Var(&opts.end, "end", 0.5, "终止电压 (V)")
	fs.Float64Var(&opts.interval, "interval", 0.01, "采样间隔 (s)")
	fs.Int64Var(&opts.seed, "seed", 1, "随机源种子")
	fs.Float64Var(&opts.noise, "noise", 0, "噪声幅度 (mA)，0 表示无噪声")
	fs.BoolVar(&opts.header, "header", true, "输出表头")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, s := range strings.Split(*rates, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		rate, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("无效的扫描速率 %q: %w", s, err)
		}
		opts.rates = append(opts.rates, rate)
	}
	if len(opts.rates) == 0 {
		return nil, fmt.Errorf("至少需要一个扫描速率")
	}
	return &opts, nil
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg := &device.CVAConfig{
		ScanRates:      opts.rates,
		StartVoltage:   opts.start,
		EndVoltage:     opts.end,
		SampleInterval: opts.interval,
		Sim: device.SimulationConfig{
			EnableNoise: opts.noise > 0,
			NoiseRange:  opts.noise,
		},
	}
	d, err := device.NewCVADevice("cvascan", cfg, device.WithRandomSource(device.NewRandomSource(opts.seed)))
	if err != nil {
		return err
	}
	if err := d.Initialize(); err != nil {
		return err
	}

	result, err := d.Execute("multi_rate", map[string]interface{}{"cycles": opts.cycles})
	if err != nil {
		return err
	}
	scans, ok := result.([]device.RateScan)
	if !ok {
		raw, _ := json.Marshal(result)
		return fmt.Errorf("意外的扫描结果: %s", raw)
	}
	return writeCSV(out, scans, opts.header)
}

func writeCSV(out io.Writer, scans []device.RateScan, header bool) error {
	w := csv.NewWriter(out)
	if header {
		if err := w.Write([]string{"scan_rate", "voltage", "current"}); err != nil {
			return err
		}
	}
	for _, scan := range scans {
		rate := strconv.FormatFloat(scan.ScanRate, 'g', -1, 64)
		for _, s := range scan.Samples {
			if err := w.Write([]string{
				rate,
				strconv.FormatFloat(s.Voltage, 'f', 6, 64),
				strconv.FormatFloat(s.Current, 'f', 6, 64),
			}); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}
