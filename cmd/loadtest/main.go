package main

import (
	"bytes"
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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
)

const (
	idempotencyHeader = "Idempotency-Key"
	defaultQty        = 1
)

type loadMode string

const (
	// modeCheckout — каждый сценарий оформляет один заказ.
	modeCheckout loadMode = "checkout"
	// modeCheckoutReplay — каждый заказ отправляется дважды с одним ключом; второй ответ должен быть повтором.
	modeCheckoutReplay loadMode = "checkout-replay"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	products    []int64
	quantity    int
	users       int
	userTag     string
	jwtSecret   string
	outputPath  string
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
	ProductID  int64 `json:"product_id"`
	Before     int   `json:"before"`
	After      int   `json:"after"`
	Ordered    int64 `json:"ordered"`
	Consistent bool  `json:"consistent"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	SuccessScenarios  int64                   `json:"success_scenarios"`
	RejectedScenarios int64                   `json:"rejected_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             []stockReport           `json:"stock,omitempty"`
}

// outcome классифицирует ответ: отказ по остатку — ожидаемый результат шторма, а не сбой.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRejected
	outcomeFailed
)

func classify(status int) outcome {
	switch {
	case status == http.StatusCreated || status == http.StatusOK:
		return outcomeSuccess
	case status == http.StatusConflict || status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

type methodStats struct {
	calls     int64
	success   int64
	rejected  int64
	failed    int64
	codes     map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
	ordered map[int64]int64
}

func newCollector() *collector {
	return &collector{
		methods: make(map[string]*methodStats),
		ordered: make(map[int64]int64),
	}
}

func (c *collector) record(method string, latency time.Duration, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.methods[method]
	if !ok {
		stats = &methodStats{codes: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	switch classify(status) {
	case outcomeSuccess:
		stats.success++
	case outcomeRejected:
		stats.rejected++
	default:
		stats.failed++
	}
	stats.codes[statusLabel(status)]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) recordOrdered(productID int64, quantity int) {
	c.mu.Lock()
	c.ordered[productID] += int64(quantity)
	c.mu.Unlock()
}

func (c *collector) orderedQuantity(productID int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ordered[productID]
}

func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenarioStats := c.methods["scenario"]; scenarioStats != nil {
		result.TotalScenarios = scenarioStats.calls
		result.SuccessScenarios = scenarioStats.success
		result.RejectedScenarios = scenarioStats.rejected
		result.FailedScenarios = scenarioStats.failed
		result.ErrorRate = ratio(scenarioStats.failed, scenarioStats.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenarioStats.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
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

	return result
}

func parseConfig(args []string, lookup func(string) (string, bool), output io.Writer) (config, error) {
	var (
		cfg          config
		modeValue    string
		productsFlag string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "storefront HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-replay")
	fs.StringVar(&productsFlag, "products", "1", "comma-separated product ids; one id turns the run into a hot-product storm")
	fs.IntVar(&cfg.quantity, "quantity", defaultQty, "quantity per order line")
	fs.IntVar(&cfg.users, "users", 50, "number of distinct users issuing orders")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "user id prefix")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", "", "HS256 secret (fallback: STOREFRONT_JWT_SECRET)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if strings.TrimSpace(cfg.jwtSecret) == "" {
		if value, ok := lookup("STOREFRONT_JWT_SECRET"); ok {
			cfg.jwtSecret = strings.TrimSpace(value)
		}
	}

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode

	products, err := parseProducts(productsFlag)
	if err != nil {
		return cfg, err
	}
	cfg.products = products
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
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
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case cfg.users <= 0:
		return cfg, errors.New("users must be > 0")
	case strings.TrimSpace(cfg.userTag) == "":
		return cfg, errors.New("user-tag is required")
	case cfg.jwtSecret == "":
		return cfg, errors.New("jwt secret is required (-jwt-secret or STOREFRONT_JWT_SECRET)")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch loadMode(strings.TrimSpace(value)) {
	case modeCheckout:
		return modeCheckout, nil
	case modeCheckoutReplay:
		return modeCheckoutReplay, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func parseProducts(raw string) ([]int64, error) {
	var ids []int64
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		id, err := strconv.ParseInt(chunk, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product id %q", chunk)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("at least one product id is required")
	}
	return ids, nil
}

// client — HTTP-клиент шторма с заранее выпущенными токенами пользователей.
type client struct {
	http    *http.Client
	baseURL string
	tokens  []string
	users   []string
}

func newClient(cfg config) (*client, error) {
	validator, err := auth.NewValidator(cfg.jwtSecret)
	if err != nil {
		return nil, err
	}

	c := &client{
		http:    &http.Client{Timeout: cfg.timeout},
		baseURL: cfg.baseURL,
	}
	for i := 0; i < cfg.users; i++ {
		userID := fmt.Sprintf("%s-%d", cfg.userTag, i)
		token, err := validator.Issue(userID, nil, time.Hour)
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}
		c.users = append(c.users, userID)
		c.tokens = append(c.tokens, token)
	}
	return c, nil
}

func (c *client) checkout(ctx context.Context, token, key string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/orders", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyHeader, key)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if key != "" && resp.Header.Get("Idempotent-Replayed") == "true" {
		return resp.StatusCode, errReplayed
	}
	return resp.StatusCode, nil
}

var errReplayed = errors.New("response replayed")

func (c *client) productStock(ctx context.Context, productID int64) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/v1/products/%d", c.baseURL, productID), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens[0])

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get product %d: status %d", productID, resp.StatusCode)
	}

	var payload struct {
		StockQuantity int `json:"stock_quantity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode product %d: %w", productID, err)
	}
	return payload.StockQuantity, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv, os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	cli, err := newClient(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to create client: %v\n", err)
		os.Exit(1)
	}

	result := runLoad(context.Background(), cli, cfg)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 || !stockConsistent(result.Stock) {
		os.Exit(1)
	}
}

func runLoad(ctx context.Context, cli *client, cfg config) report {
	before := make(map[int64]int, len(cfg.products))
	for _, id := range cfg.products {
		if stock, err := cli.productStock(ctx, id); err == nil {
			before[id] = stock
		}
	}

	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				runScenario(ctx, cli, cfg, id, runID, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	for _, id := range cfg.products {
		initial, ok := before[id]
		if !ok {
			continue
		}
		after, err := cli.productStock(ctx, id)
		if err != nil {
			continue
		}
		ordered := col.orderedQuantity(id)
		result.Stock = append(result.Stock, stockReport{
			ProductID:  id,
			Before:     initial,
			After:      after,
			Ordered:    ordered,
			Consistent: after >= 0 && int64(initial-after) == ordered,
		})
	}
	return result
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

func runScenario(ctx context.Context, cli *client, cfg config, index int, runID string, col *collector) {
	scenarioStart := time.Now()
	scenarioStatus := http.StatusCreated
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioStatus)
	}()

	productID := cfg.products[index%len(cfg.products)]
	user := index % len(cli.users)
	body, _ := json.Marshal(map[string]any{
		"items":            []map[string]any{{"product_id": productID, "quantity": cfg.quantity}},
		"shipping_address": "1 Load Test Ave",
		"shipping_city":    "Loadville",
		"shipping_state":   "LT",
		"shipping_zip":     "00000",
		"shipping_country": "US",
	})
	key := fmt.Sprintf("lt-%s-%d", runID, index)

	status, err := callCheckout(ctx, cli, cli.tokens[user], key, body, "Checkout", col)
	scenarioStatus = status
	if err != nil || status != http.StatusCreated {
		return
	}
	col.recordOrdered(productID, cfg.quantity)

	if cfg.mode != modeCheckoutReplay {
		return
	}
	status, err = callCheckout(ctx, cli, cli.tokens[user], key, body, "CheckoutReplay", col)
	if !errors.Is(err, errReplayed) {
		// Повтор с тем же ключом обязан вернуть сохранённый ответ, а не новый заказ.
		scenarioStatus = 0
		if status == http.StatusCreated {
			col.recordOrdered(productID, cfg.quantity)
		}
	}
}

func callCheckout(ctx context.Context, cli *client, token, key string, body []byte, method string, col *collector) (int, error) {
	start := time.Now()
	status, err := cli.checkout(ctx, token, key, body)
	col.record(method, time.Since(start), status)
	return status, err
}

func stockConsistent(stock []stockReport) bool {
	for _, s := range stock {
		if !s.Consistent {
			return false
		}
	}
	return true
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local load-test reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s run=%s total=%d success=%d rejected=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.RejectedScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
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
		_, _ = fmt.Fprintf(w,
			"%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name,
			stats.Calls,
			stats.Success,
			stats.Failed,
			stats.ErrorRate,
			stats.LatencyMs.P95,
		)
	}
	for _, s := range result.Stock {
		_, _ = fmt.Fprintf(w, "product %d: stock %d -> %d, ordered=%d consistent=%t\n",
			s.ProductID, s.Before, s.After, s.Ordered, s.Consistent)
	}
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
