package main

import (
	"bufio"
	"context"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"track17"
)

const workerStaggerDelay = 250 * time.Millisecond

var engineLog *log.Logger

type moduleLogger struct {
	logger *log.Logger
}

func (m *moduleLogger) Log(format string, args ...any) {
	m.logger.Printf("      "+format, args...)
}

func main() {
	_ = godotenv.Load()

	if len(os.Args) < 3 {
		log.Fatal("Usage: track17-bulk <numbers-file> <worker-count> [carrier]\nNumbers file holds one tracking number per line; proxies load from proxies.txt when present.")
	}

	numbersFile := os.Args[1]
	workerCount, err := strconv.Atoi(os.Args[2])
	if err != nil || workerCount <= 0 {
		log.Fatal("worker-count must be a positive integer")
	}
	carrier := parseCarrier(argAt(3))

	logFile, modLog := setupLogging()
	defer logFile.Close()

	numbers := loadNumbers(numbersFile)
	if len(numbers) == 0 {
		engineLog.Fatalf("No tracking numbers found in %s", numbersFile)
	}
	engineLog.Printf("Loaded %d tracking numbers", len(numbers))

	proxyManager := loadProxies()

	client, err := track17.NewHTTPClient(nil, "")
	if err != nil {
		engineLog.Fatalf("Failed to create HTTP client: %v", err)
	}
	logger := &moduleLogger{logger: modLog}
	fetcher := track17.NewAssetFetcher(client, logger)
	sandbox := track17.NewSandbox(logger)
	cache := track17.NewCredentialCache(fetcher, sandbox, logger)

	scheduler, err := track17.NewScheduler(workerCount, cache, proxyManager, carrier, workerStaggerDelay, logger)
	if err != nil {
		engineLog.Fatalf("Failed to create scheduler: %v", err)
	}

	os.Exit(run(scheduler, numbers))
}

func argAt(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}

func parseCarrier(name string) uint32 {
	switch strings.ToLower(name) {
	case "", "auto":
		return track17.CarrierAuto
	case "fedex":
		return track17.CarrierFedEx
	case "ups":
		return track17.CarrierUPS
	case "usps":
		return track17.CarrierUSPS
	case "dhl":
		return track17.CarrierDHL
	}
	log.Fatalf("Unknown carrier: %s", name)
	return track17.CarrierAuto
}

func setupLogging() (*os.File, *log.Logger) {
	logFile, err := os.OpenFile("track17-bulk.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	engineLog = log.New(io.MultiWriter(os.Stdout, logFile), "", log.LstdFlags)
	return logFile, engineLog
}

func loadNumbers(filename string) []string {
	file, err := os.Open(filename)
	if err != nil {
		log.Fatalf("Failed to open numbers file: %v", err)
	}
	defer file.Close()

	var numbers []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		numbers = append(numbers, line)
	}
	return numbers
}

func loadProxies() *track17.ProxyManager {
	proxyManager, err := track17.NewProxyManager("proxies.txt")
	if err != nil {
		engineLog.Printf("No proxies loaded (%v), using direct connections", err)
		return nil
	}
	engineLog.Printf("Loaded %d proxies", proxyManager.Count())
	return proxyManager
}

func run(scheduler *track17.Scheduler, numbers []string) int {
	engineLog.Printf("Starting %d concurrent workers for %d numbers (stagger: %v)...",
		scheduler.WorkerCount(), len(numbers), workerStaggerDelay)

	scheduler.Start(context.Background())

	go func() {
		for _, number := range numbers {
			scheduler.Submit(number)
		}
	}()

	var resolved, failed int
	var fatalErr error

	for result := range scheduler.Results() {
		if result.Fatal {
			fatalErr = result.Err
			engineLog.Printf("FATAL ERROR: %v", result.Err)
			break
		}

		if result.Err != nil {
			failed++
			engineLog.Printf("FAILED %s: %v", result.Number, result.Err)
		} else {
			resolved++
			engineLog.Printf("[%d/%d] RESOLVED: %s (%d shipment(s))",
				resolved, len(numbers), result.Number, len(result.Response.Shipments))
		}

		if resolved+failed >= len(numbers) {
			break
		}
	}

	scheduler.Close()

	if fatalErr != nil {
		engineLog.Printf("=== ABORTED: %d resolved, %d failed (fatal error: %v) ===", resolved, failed, fatalErr)
		return 1
	}
	engineLog.Printf("=== Complete: %d resolved, %d failed ===", resolved, failed)
	return 0
}
