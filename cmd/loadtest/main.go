// loadtest нагружает POST /orders конкурентными покупками одной складской позиции
// и в конце сверяет остаток: склад не должен уйти в минус или разойтись с числом заказов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/client/stock"
	"github.com/vladislavdragonenkov/storefront/internal/client/upstream"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
)

const (
	codeOK      = "ok"
	codeSoldOut = "sold_out"
	codeUnknown = "unknown"

	noSeed = int64(-1)
)

type loadMode string

const (
	modeCreate       loadMode = "create"
	modeCreateCancel loadMode = "create-cancel"
)

type config struct {
	addr          string
	inventoryAddr string
	total         int
	totalSet      bool
	duration      time.Duration
	concurrency   int
	timeout       time.Duration
	mode          loadMode
	cancelRate    int
	userID        int64
	productID     int64
	size          domain.Size
	quantity      int64
	seedStock     int64
	outputPath    string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Codes     map[string]int64 `json:"codes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type stockReport struct {
	Initial    int64 `json:"initial"`
	Final      int64 `json:"final"`
	Expected   int64 `json:"expected"`
	Confirmed  int64 `json:"confirmed_orders"`
	Cancelled  int64 `json:"cancelled_orders"`
	Consistent bool  `json:"consistent"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             stockReport             `json:"stock"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

// record учитывает вызов; sold_out — ожидаемый исход под нагрузкой и ошибкой не считается.
func (c *collector) record(method string, latency time.Duration, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if code == codeOK || code == codeSoldOut {
		stats.success++
	} else {
		stats.failed++
	}
	stats.codes[code]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	for name, stats := range c.methods {
		codesCopy := make(map[string]int64, len(stats.codes))
		for code, count := range stats.codes {
			codesCopy[code] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Codes:     codesCopy,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}

	if scenario, ok := result.Methods["scenario"]; ok {
		result.TotalScenarios = scenario.Calls
		result.SuccessScenarios = scenario.Success
		result.FailedScenarios = scenario.Failed
		result.ErrorRate = scenario.ErrorRate
		result.ScenarioLatencyMs = scenario.LatencyMs
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}
	return result
}

func parseConfig() (config, error) {
	var (
		cfg       config
		modeValue string
		sizeValue string
	)

	flag.StringVar(&cfg.addr, "addr", "http://localhost:8080", "order-service base URL")
	flag.StringVar(&cfg.inventoryAddr, "inventory-addr", "", "inventory base URL (default: same as -addr)")
	flag.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	flag.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	flag.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent buyers")
	flag.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	flag.StringVar(&modeValue, "mode", string(modeCreate), "load mode: create | create-cancel")
	flag.IntVar(&cfg.cancelRate, "cancel-rate", 100, "cancel probability in percent for create-cancel mode (0..100)")
	flag.Int64Var(&cfg.userID, "user-id", 1, "buyer user id")
	flag.Int64Var(&cfg.productID, "product-id", 1, "product id to buy")
	flag.StringVar(&sizeValue, "size", string(domain.SizeM), "product size: S | M | L | XL")
	flag.Int64Var(&cfg.quantity, "quantity", 1, "items per order")
	flag.Int64Var(&cfg.seedStock, "seed-stock", noSeed, "set stock to this value before the run (-1 keeps current stock)")
	flag.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	flag.Parse()

	flag.CommandLine.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	size, err := domain.ParseSize(sizeValue)
	if err != nil {
		return cfg, err
	}
	cfg.size = size

	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")
	cfg.inventoryAddr = strings.TrimRight(strings.TrimSpace(cfg.inventoryAddr), "/")
	if cfg.inventoryAddr == "" {
		cfg.inventoryAddr = cfg.addr
	}

	switch {
	case cfg.addr == "":
		return cfg, errors.New("addr is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	case cfg.userID <= 0 || cfg.productID <= 0:
		return cfg, errors.New("user-id and product-id must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.seedStock < noSeed:
		return cfg, errors.New("seed-stock must be >= 0 (or -1 to skip)")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCreate:
		return modeCreate, nil
	case modeCreateCancel:
		return modeCreateCancel, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := run(context.Background(), cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || !result.Stock.Consistent {
		os.Exit(1)
	}
}

type runner struct {
	cfg       config
	orders    *upstream.Caller
	col       *collector
	runID     string
	confirmed atomic.Int64
	cancelled atomic.Int64
}

func run(ctx context.Context, cfg config) (report, error) {
	inventory := stock.New(cfg.inventoryAddr, cfg.timeout)
	if cfg.seedStock >= 0 {
		if _, err := inventory.Set(ctx, cfg.productID, cfg.size, cfg.seedStock); err != nil {
			return report{}, fmt.Errorf("seed stock: %w", err)
		}
	}
	initial, err := inventory.GetQuantity(ctx, cfg.productID, cfg.size)
	if err != nil {
		return report{}, fmt.Errorf("read initial stock: %w", err)
	}

	startedAt := time.Now()
	r := &runner{
		cfg:    cfg,
		orders: upstream.NewCaller("orders", cfg.addr, cfg.timeout),
		col:    newCollector(),
		runID:  fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid()),
	}

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				r.runScenario(ctx, id)
			}
		}()
	}
	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := r.col.buildReport(startedAt, time.Since(startedAt))

	final, err := inventory.GetQuantity(ctx, cfg.productID, cfg.size)
	if err != nil {
		return result, fmt.Errorf("read final stock: %w", err)
	}
	result.Stock = stockReport{
		Initial:   initial,
		Final:     final,
		Confirmed: r.confirmed.Load(),
		Cancelled: r.cancelled.Load(),
	}
	result.Stock.Expected = initial - (result.Stock.Confirmed-result.Stock.Cancelled)*cfg.quantity
	result.Stock.Consistent = final >= 0 && final == result.Stock.Expected
	return result, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func (r *runner) runScenario(ctx context.Context, index int) {
	scenarioStart := time.Now()
	scenarioCode := codeOK
	defer func() {
		r.col.record("scenario", time.Since(scenarioStart), scenarioCode)
	}()

	var order httpapi.OrderResponse
	err := r.call(ctx, "CreateOrder", upstream.Request{
		Method: http.MethodPost,
		Path:   "/orders",
		Body: map[string]any{
			"user_id":    r.cfg.userID,
			"product_id": r.cfg.productID,
			"size":       string(r.cfg.size),
			"quantity":   r.cfg.quantity,
		},
		Header: map[string]string{httpapi.IdempotencyHeader: fmt.Sprintf("lt-create-%s-%d", r.runID, index)},
	}, &order)
	if err != nil {
		scenarioCode = codeOf(err)
		return
	}
	if order.ID == 0 {
		scenarioCode = codeUnknown
		return
	}
	r.confirmed.Add(1)

	if r.cfg.mode != modeCreateCancel || !shouldCancelScenario(index, r.cfg.cancelRate) {
		return
	}

	err = r.call(ctx, "CancelOrder", upstream.Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/orders/%d", order.ID),
		Header: map[string]string{httpapi.IdempotencyHeader: fmt.Sprintf("lt-cancel-%s-%d", r.runID, index)},
	}, nil)
	if err != nil {
		scenarioCode = codeOf(err)
		return
	}
	r.cancelled.Add(1)
}

func (r *runner) call(ctx context.Context, method string, req upstream.Request, out any) error {
	start := time.Now()
	err := r.orders.Do(ctx, req, out)
	r.col.record(method, time.Since(start), codeOf(err))
	return err
}

func codeOf(err error) string {
	if err == nil {
		return codeOK
	}
	switch kind := domain.KindOf(err); kind {
	case domain.KindInsufficientStock:
		return codeSoldOut
	case "":
		return codeUnknown
	default:
		return string(kind)
	}
}

func shouldCancelScenario(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаёт оператор через флаг -output.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(out io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(out, "Load test summary")
	_, _ = fmt.Fprintf(out, "mode=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(out, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(out, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	methodNames := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name == "scenario" {
			continue
		}
		methodNames = append(methodNames, name)
	}
	sort.Strings(methodNames)
	for _, name := range methodNames {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(out, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}

	verdict := "consistent"
	if !result.Stock.Consistent {
		verdict = "INCONSISTENT"
	}
	_, _ = fmt.Fprintf(out, "stock: initial=%d final=%d expected=%d confirmed=%d cancelled=%d %s\n",
		result.Stock.Initial,
		result.Stock.Final,
		result.Stock.Expected,
		result.Stock.Confirmed,
		result.Stock.Cancelled,
		verdict,
	)
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
