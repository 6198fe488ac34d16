package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/arafuse/CryptoWatcher/internal/exchange"
	"github.com/arafuse/CryptoWatcher/internal/models"
	"github.com/arafuse/CryptoWatcher/internal/modules/config"
	"github.com/arafuse/CryptoWatcher/pkg/logger"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

const serviceName = "datatool"

func main() {
	logger.SetServiceName(serviceName)
	if err := logger.Init(); err != nil {
		log.Fatal(err)
	}

	summary := flag.Bool("summary", false, "dump the current market summaries as formatted JSON")
	download := flag.String("download", "", `download tick data for a pair, or "all" for every active pair`)
	merge := flag.Bool("merge", false, "merge pair files from ordered split directories into single files")
	sparsify := flag.Bool("sparsify", false, "strip zero base volume ticks from pair files")
	expand := flag.Bool("expand", false, "expand sparse pair files into dense interval-aligned ticks")
	inDir := flag.String("i", "", "input directory")
	outDir := flag.String("o", "", "output directory")
	num := flag.Int("n", 0, "number of ticks to download (0 for the API default)")
	startTime := flag.Int64("st", 0, "range start time (epoch seconds)")
	endTime := flag.Int64("et", 0, "range end time (epoch seconds)")
	flag.Parse()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger.SetVerbosity(conf.Verbosity)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		<-sigs
		cancel()
	}()

	switch {
	case *summary:
		err = dumpSummary(ctx, newClient(conf))
	case *download != "":
		err = downloadTicks(ctx, newClient(conf), conf, *download, *outDir, *num, *startTime, *endTime)
	case *merge:
		err = mergeData(*inDir, *outDir)
	case *sparsify:
		err = processFiles(*inDir, *outDir, sparseTicks)
	case *expand:
		err = processFiles(*inDir, *outDir, func(ticks []models.RawTick) []models.RawTick {
			return expandToDense(ticks, conf.TickIntervalSecs)
		})
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Fatal("%v", err)
	}
}

func newClient(conf *config.Config) exchange.Client {
	return exchange.NewBittrexClient(exchange.BittrexConfig{
		BaseURL:    conf.APIBaseURL,
		APIKey:     conf.APIKey,
		APISecret:  conf.APISecret,
		MaxRetries: conf.HTTPMaxRetries,
		MaxBackoff: time.Duration(conf.HTTPMaxBackoffSecs) * time.Second,
	})
}

func dumpSummary(ctx context.Context, client exchange.Client) error {
	summaries, err := client.GetMarketSummaries(ctx)
	if err != nil {
		return err
	}

	out, err := sonic.ConfigDefault.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal summaries")
	}

	fmt.Println(string(out))
	return nil
}

// downloadTicks скачивает тики по паре (или по всем активным) и сохраняет
// разреженные файлы: тики с нулевым базовым объёмом не пишутся.
func downloadTicks(ctx context.Context, client exchange.Client, conf *config.Config,
	pairArg, outDir string, num int, start, end int64) error {

	if outDir == "" {
		return errors.New("output directory must be specified")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	pairs, err := resolvePairs(ctx, client, pairArg)
	if err != nil {
		return err
	}

	rateLimit := time.Duration(conf.APIInitialRateLimitSecs * float64(time.Second))

	for _, pair := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger.Info("Starting download for %v.", pair)

		var ticks []models.RawTick
		if start > 0 {
			ticks, err = client.GetTickRange(ctx, pair, start, end)
			if errors.Is(err, exchange.ErrNotSupported) {
				return errors.New("API does not support downloading ticks by range")
			}
		} else {
			ticks, err = client.GetTicks(ctx, pair, num)
		}
		if err != nil {
			logger.Error("Download failed for %v: %v", pair, err)
			continue
		}

		// данные сильно впереди запрошенного окна бесполезны для склейки
		if start > 0 && len(ticks) > 0 && ticks[0].Time > start+60*60*24*7 {
			logger.Warn("%v is ahead by %v seconds, discarding.", pair, ticks[0].Time-start)
			continue
		}

		if err := saveTickFile(pair, outDir, sparseTicks(ticks)); err != nil {
			return err
		}

		time.Sleep(rateLimit)
	}

	return nil
}

func resolvePairs(ctx context.Context, client exchange.Client, pairArg string) ([]string, error) {
	pairArg = strings.ToUpper(pairArg)
	if pairArg != "ALL" {
		return []string{pairArg}, nil
	}

	summaries, err := client.GetMarketSummaries(ctx)
	if err != nil {
		return nil, err
	}

	pairs := make([]string, 0, len(summaries))
	for pair, summary := range summaries {
		if summary.Active {
			pairs = append(pairs, pair)
		}
	}
	sort.Strings(pairs)

	return pairs, nil
}

// mergeData склеивает файлы пары из упорядоченных подкаталогов в один файл.
// Каталоги должны идти в хронологическом порядке данных, иначе в склейке
// появятся разрывы.
func mergeData(inDir, outDir string) error {
	if inDir == "" || outDir == "" {
		return errors.New("both input and output directories must be specified")
	}
	if inDir == outDir {
		return errors.New("input and output directories must be different")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	entries, err := os.ReadDir(inDir)
	if err != nil {
		return errors.Wrap(err, "read input directory")
	}

	var dirs []string
	pairs := map[string]struct{}{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(inDir, entry.Name())
		dirs = append(dirs, dir)

		files, err := filepath.Glob(filepath.Join(dir, "*.json"))
		if err != nil {
			return errors.Wrap(err, "glob pair files")
		}
		for _, file := range files {
			name := filepath.Base(file)
			pairs[strings.TrimSuffix(name, ".json")] = struct{}{}
		}
	}
	sort.Strings(dirs)

	for pair := range pairs {
		ticks, err := loadPairDirs(pair, dirs)
		if err != nil {
			return err
		}
		logger.Info("Loaded data for %v.", pair)

		if err := saveTickFile(pair, outDir, ticks); err != nil {
			return err
		}
	}

	return nil
}

// loadPairDirs читает файлы пары из каталогов по порядку, отбрасывая
// перекрывающиеся и отстающие куски.
func loadPairDirs(pair string, dirs []string) ([]models.RawTick, error) {
	var ticks []models.RawTick

	for _, dir := range dirs {
		newTicks, err := loadTickFile(filepath.Join(dir, pair+".json"))
		if os.IsNotExist(errors.Cause(err)) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if len(newTicks) == 0 {
			continue
		}

		if len(ticks) > 0 {
			lastTime := ticks[len(ticks)-1].Time
			nextTime := int64(0)

			for index, tick := range newTicks {
				nextTime = tick.Time
				if nextTime > lastTime {
					newTicks = newTicks[index:]
					break
				}
			}
			if nextTime <= lastTime {
				continue
			}
		}

		ticks = append(ticks, newTicks...)
	}

	return ticks, nil
}

func processFiles(inDir, outDir string, transform func([]models.RawTick) []models.RawTick) error {
	if inDir == "" || outDir == "" {
		return errors.New("both input and output directories must be specified")
	}
	if inDir == outDir {
		return errors.New("input and output directories must be different")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}

	files, err := filepath.Glob(filepath.Join(inDir, "*.json"))
	if err != nil {
		return errors.Wrap(err, "glob pair files")
	}

	for _, file := range files {
		ticks, err := loadTickFile(file)
		if err != nil {
			return err
		}

		pair := strings.TrimSuffix(filepath.Base(file), ".json")
		logger.Info("Loaded data for %v.", pair)

		if err := saveTickFile(pair, outDir, transform(ticks)); err != nil {
			return err
		}
	}

	return nil
}

func sparseTicks(ticks []models.RawTick) []models.RawTick {
	sparse := make([]models.RawTick, 0, len(ticks))
	for _, tick := range ticks {
		if tick.BaseVolume > 0.0 {
			sparse = append(sparse, tick)
		}
	}
	return sparse
}

// expandToDense заполняет пропуски между тиками нулевыми свечами с последним
// известным значением закрытия.
func expandToDense(ticks []models.RawTick, interval int64) []models.RawTick {
	if len(ticks) == 0 {
		return ticks
	}

	dense := make([]models.RawTick, 0, len(ticks))
	dense = append(dense, ticks[0])

	last := ticks[0]
	for _, tick := range ticks[1:] {
		for tick.Time-last.Time > interval {
			filler := models.RawTick{
				Time:  last.Time + interval,
				Open:  last.Close,
				High:  last.Close,
				Low:   last.Close,
				Close: last.Close,
			}
			dense = append(dense, filler)
			last = filler
		}
		dense = append(dense, tick)
		last = tick
	}

	return dense
}

func loadTickFile(filename string) ([]models.RawTick, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "read %v", filename)
	}

	var ticks []models.RawTick
	if err := sonic.Unmarshal(data, &ticks); err != nil {
		return nil, errors.Wrapf(err, "decode %v", filename)
	}

	return ticks, nil
}

func saveTickFile(pair, outDir string, ticks []models.RawTick) error {
	data, err := sonic.Marshal(ticks)
	if err != nil {
		return errors.Wrapf(err, "encode %v", pair)
	}

	filename := filepath.Join(outDir, pair+".json")
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %v", filename)
	}

	logger.Info("Saved %v data to %v.", pair, filename)
	return nil
}
