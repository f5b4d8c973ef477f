package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/nexsuslabs/nexsus/internal/cascade"
	"github.com/nexsuslabs/nexsus/internal/cleanup"
	"github.com/nexsuslabs/nexsus/internal/fkresolve"
	"github.com/nexsuslabs/nexsus/internal/integrity"
	"github.com/nexsuslabs/nexsus/internal/knowledge"
	"github.com/nexsuslabs/nexsus/internal/schema"
	"github.com/nexsuslabs/nexsus/internal/schemasync"
	"github.com/nexsuslabs/nexsus/internal/source"
	"github.com/nexsuslabs/nexsus/internal/store"
	"github.com/nexsuslabs/nexsus/internal/watermark"
)

func cmdSync(ctx context.Context, env *environment, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "nexsus: sync requires a target: model, schema, or knowledge")
		return exitUsage
	}
	switch args[0] {
	case "model":
		return cmdSyncModel(ctx, env, args[1:])
	case "schema":
		return cmdSyncSchema(ctx, env, args[1:])
	case "knowledge":
		return cmdSyncKnowledge(ctx, env, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "nexsus: unknown sync target %q\n", args[0])
		return exitUsage
	}
}

func cmdSyncModel(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("sync model", flag.ContinueOnError)
	dateFrom := fs.String("date-from", "", "only records modified on/after this date")
	dateTo := fs.String("date-to", "", "only records modified on/before this date")
	noCascade := fs.Bool("no-cascade", false, "do not follow FK references or write graph edges")
	force := fs.Bool("force", false, "re-sync records even when already present in the store")
	dryRun := fs.Bool("dry-run", false, "report what would be synced without writing")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "nexsus: sync model requires exactly one model name")
		return exitUsage
	}
	model := fs.Arg(0)

	if err := env.requireSource(); err != nil {
		fmt.Fprintf(os.Stderr, "nexsus: %v\n", err)
		return exitFatal
	}

	sc := env.syncConfig()
	filter := source.Filter{DateFrom: *dateFrom, DateTo: *dateTo, Archived: sc.IncludeArchived}
	ids, err := listRecordIDs(ctx, env.recSource, model, filter, sc.FetchBatchSize)
	if err != nil {
		slog.Error("failed to enumerate records", "model", model, "err", err)
		return exitFatal
	}
	if *dryRun {
		fmt.Printf("dry run: %d records of %s would sync\n", len(ids), model)
		return exitOK
	}
	if len(ids) == 0 {
		fmt.Printf("nothing to sync for %s\n", model)
		return exitOK
	}

	syncCfg := cascade.Config{
		ParallelTargets: sc.ParallelTargets,
		FetchBatchSize:  sc.FetchBatchSize,
		EmbedBatchSize:  sc.EmbedBatchSize,
		UpsertBatchSize: sc.UpsertBatchSize,
		SkipExisting:    sc.SkipExisting && !*force,
		UpdateGraph:     sc.UpdateGraph && !*noCascade,
		IncludeArchived: sc.IncludeArchived,
	}
	scheduler := cascade.New(env.schema, env.recSource, env.patternSource(), env.gateway, env.store,
		env.dlq, env.sourceBreaker, env.storeBreaker, env.retry, syncCfg)
	scheduler.Enqueue(cascade.Item{ModelName: model, RecordIDs: ids})

	summary, err := scheduler.Run(ctx)
	if err != nil {
		slog.Error("sync run failed", "model", model, "err", err)
		return exitFatal
	}
	recordRunMetrics(ctx, env, summary)
	registerDynamicIndexes(ctx, env, summary)
	saveWatermarks(env, summary, *dateTo)

	printRunSummary(summary, env.dlq.Stats().Total)
	if summary.Cancelled {
		return exitFatal
	}
	return exitOK
}

func cmdSyncSchema(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("sync schema", flag.ContinueOnError)
	force := fs.Bool("force", false, "delete existing schema points before re-upserting")
	sourceName := fs.String("source", "", "read the schema from this adapter instead of the configured one")
	var models stringList
	fs.Var(&models, "model", "restrict to this model (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	src := env.recSource
	if *sourceName != "" {
		overridden := env.cfg.Source
		overridden.Name = *sourceName
		var err error
		src, err = env.registry.CreateSource(overridden)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nexsus: %v\n", err)
			return exitFatal
		}
	}
	if src == nil {
		fmt.Fprintln(os.Stderr, "nexsus: no record source configured; set source.name or pass --source")
		return exitFatal
	}

	syncer := schemasync.New(src, env.gateway, env.store, schemasync.Config{
		Models:         models,
		Force:          *force,
		PayloadFields:  env.cfg.PayloadFields,
		JSONFKMappings: env.cfg.JSONFKMappings,
	})
	summary, err := syncer.Sync(ctx)
	if err != nil {
		slog.Error("schema sync failed", "err", err)
		return exitFatal
	}
	env.schema.ClearCache()

	fmt.Printf("schema sync: %d models, %d fields", summary.Models, summary.Fields)
	if summary.Deleted > 0 {
		fmt.Printf(", %d stale points removed", summary.Deleted)
	}
	fmt.Println()
	return exitOK
}

func cmdSyncKnowledge(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("sync knowledge", flag.ContinueOnError)
	force := fs.Bool("force", false, "delete existing knowledge points before re-upserting")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if env.cfg.Knowledge.CatalogPath == "" {
		fmt.Fprintln(os.Stderr, "nexsus: knowledge.catalog_path is not configured")
		return exitFatal
	}
	catalog, err := knowledge.LoadCatalog(env.cfg.Knowledge.CatalogPath)
	if err != nil {
		slog.Error("failed to load knowledge catalog", "err", err)
		return exitFatal
	}

	syncer := knowledge.New(catalog, env.gateway, env.store, env.schema, knowledge.Config{Force: *force})
	summary, err := syncer.Sync(ctx)
	if err != nil {
		slog.Error("knowledge sync failed", "err", err)
		return exitFatal
	}

	fmt.Printf("knowledge sync: %d instance, %d model, %d field items\n",
		summary.InstanceItems, summary.ModelItems, summary.FieldItems)
	for _, w := range summary.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
	return exitOK
}

func cmdValidateFK(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("validate-fk", flag.ContinueOnError)
	model := fs.String("model", "", "validate only this model (default: all)")
	autoSync := fs.Bool("auto-sync", false, "repair orphans by syncing their targets")
	storeOrphans := fs.Bool("store-orphans", false, "write orphan counts back onto graph edges")
	trackHistory := fs.Bool("track-history", false, "append validation snapshots to graph edges")
	bidirectional := fs.Bool("bidirectional", false, "also validate models whose FKs point at the selected model")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	models, err := selectModels(ctx, env.schema, *model)
	if err != nil {
		slog.Error("failed to resolve models", "err", err)
		return exitFatal
	}
	if *bidirectional && *model != "" {
		reverse, err := referencingModels(ctx, env.schema, *model)
		if err != nil {
			slog.Error("failed to resolve referencing models", "err", err)
			return exitFatal
		}
		models = append(models, reverse...)
	}

	validator := integrity.New(env.store, env.schema, integrity.Config{
		WriteGraphFeedback: *storeOrphans,
		TrackHistory:       *trackHistory,
	})
	report, err := validator.Validate(ctx, models)
	if err != nil {
		slog.Error("validation failed", "err", err)
		return exitFatal
	}
	printIntegrityReport(ctx, env, report)

	if *autoSync && report.MissingReferences > 0 {
		return repairModels(ctx, env, models, 0)
	}
	return exitOK
}

func cmdFixOrphans(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("fix-orphans", flag.ContinueOnError)
	all := fs.Bool("all", false, "repair every model")
	limit := fs.Int("limit", 0, "cap on orphan records resynced per target model")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	var models []string
	switch {
	case *all && fs.NArg() == 0:
		var err error
		models, err = selectModels(ctx, env.schema, "")
		if err != nil {
			slog.Error("failed to resolve models", "err", err)
			return exitFatal
		}
	case !*all && fs.NArg() == 1:
		models = []string{fs.Arg(0)}
	default:
		fmt.Fprintln(os.Stderr, "nexsus: fix-orphans requires a model name or --all")
		return exitUsage
	}

	return repairModels(ctx, env, models, *limit)
}

func repairModels(ctx context.Context, env *environment, models []string, limit int) int {
	if err := env.requireSource(); err != nil {
		fmt.Fprintf(os.Stderr, "nexsus: %v\n", err)
		return exitFatal
	}

	code := exitOK
	for _, model := range models {
		sc := env.syncConfig()
		scheduler := cascade.New(env.schema, env.recSource, env.patternSource(), env.gateway, env.store,
			env.dlq, env.sourceBreaker, env.storeBreaker, env.retry, cascade.Config{
				ParallelTargets: sc.ParallelTargets,
				FetchBatchSize:  sc.FetchBatchSize,
				EmbedBatchSize:  sc.EmbedBatchSize,
				UpsertBatchSize: sc.UpsertBatchSize,
				UpdateGraph:     sc.UpdateGraph,
			})
		repairer := fkresolve.New(env.store, env.schema, scheduler, fkresolve.Config{SyncLimit: limit})

		summary, err := repairer.Repair(ctx, model)
		if err != nil {
			slog.Error("repair failed", "model", model, "err", err)
			code = exitFatal
			continue
		}
		fmt.Printf("%s: %d orphans found, %d synced, %d failed, %d skipped\n",
			model, summary.Found, summary.Synced, summary.Failed, summary.Skipped)
		for target, m := range summary.ByModel {
			fmt.Printf("  %s: found=%d synced=%d failed=%d skipped=%d\n",
				target, m.Found, m.Synced, m.Failed, m.Skipped)
			env.metrics.RecordOrphans(ctx, target, int64(m.Found))
		}
	}
	return code
}

func cmdCleanup(ctx context.Context, env *environment, args []string) int {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report stale points without deleting")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "nexsus: cleanup requires exactly one model name")
		return exitUsage
	}
	if err := env.requireSource(); err != nil {
		fmt.Fprintf(os.Stderr, "nexsus: %v\n", err)
		return exitFatal
	}

	cleaner := cleanup.New(env.store, env.recSource, cleanup.Config{DryRun: *dryRun})
	summary, err := cleaner.Run(ctx, fs.Arg(0))
	if err != nil {
		slog.Error("cleanup failed", "model", fs.Arg(0), "err", err)
		return exitFatal
	}
	if summary.DryRun {
		fmt.Printf("cleanup (dry run): %d scanned, %d stale\n", summary.Scanned, summary.Missing)
	} else {
		fmt.Printf("cleanup: %d scanned, %d stale, %d deleted\n", summary.Scanned, summary.Missing, summary.Deleted)
	}
	return exitOK
}

func cmdStatus(ctx context.Context, env *environment, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "nexsus: status takes no arguments")
		return exitUsage
	}

	info, err := env.store.CollectionInfo(ctx)
	if err != nil {
		slog.Error("failed to read collection info", "err", err)
		return exitFatal
	}
	fmt.Printf("collection: %d dimensions\n", info.Dimensions)
	types := make([]string, 0, len(info.Counts))
	for pt := range info.Counts {
		types = append(types, pt)
	}
	sort.Strings(types)
	for _, pt := range types {
		fmt.Printf("  %-10s %d points\n", pt, info.Counts[pt])
	}

	stats := env.dlq.Stats()
	fmt.Printf("dlq: %d entries\n", stats.Total)
	for model, n := range stats.ByModel {
		fmt.Printf("  %-24s %d\n", model, n)
	}

	marks, err := env.watermarks.List()
	if err != nil {
		slog.Error("failed to list watermarks", "err", err)
		return exitFatal
	}
	if len(marks) > 0 {
		fmt.Println("last sync:")
		for _, m := range marks {
			fmt.Printf("  %-24s %s (%d records)\n", m.Model, m.LastSync.Format(time.RFC3339), m.Records)
		}
	}

	fmt.Printf("breakers: source=%s store=%s\n", env.sourceBreaker.State(), env.storeBreaker.State())
	return exitOK
}

// listRecordIDs pages through the source to enumerate every record id
// matching filter, the seed for a root sync work item.
func listRecordIDs(ctx context.Context, src source.RecordSource, model string, filter source.Filter, pageSize int) ([]int64, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	var ids []int64
	offset := 0
	for {
		records, err := src.Fetch(ctx, model, filter, []string{"id"}, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		if len(records) < pageSize {
			return ids, nil
		}
		offset += len(records)
	}
}

// referencingModels returns the models that carry an FK field targeting
// model, for validate-fk's bidirectional mode.
func referencingModels(ctx context.Context, registry *schema.Registry, model string) ([]string, error) {
	names, err := registry.ModelNames(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if name == model {
			continue
		}
		fields, err := registry.Fields(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, f := range fields {
			if f.HasKnownFKTarget() && f.FKLocationModel == model {
				out = append(out, name)
				break
			}
		}
	}
	return out, nil
}

// selectModels resolves the --model flag: one name, or every model the
// schema registry knows.
func selectModels(ctx context.Context, registry *schema.Registry, model string) ([]string, error) {
	if model != "" {
		return []string{model}, nil
	}
	return registry.ModelNames(ctx)
}

// registerDynamicIndexes creates keyword indexes for every payload field of
// each just-synced model, then tells the registry so the filter compiler
// stops falling back to app-level scans for them.
func registerDynamicIndexes(ctx context.Context, env *environment, summary *cascade.RunSummary) {
	for model := range summary.PerModel {
		fields, err := env.schema.PayloadFields(ctx, model)
		if err != nil {
			slog.Warn("could not list payload fields for dynamic indexing", "model", model, "err", err)
			continue
		}
		names := make([]string, 0, len(fields))
		for _, f := range fields {
			if err := env.store.CreatePayloadIndex(ctx, f.FieldName, indexTypeFor(f)); err != nil {
				slog.Warn("dynamic index creation failed", "model", model, "field", f.FieldName, "err", err)
				continue
			}
			names = append(names, f.FieldName)
		}
		if len(names) > 0 {
			if err := env.schema.RegisterIndexedFields(ctx, model, names...); err != nil {
				slog.Warn("could not register indexed fields", "model", model, "err", err)
			}
		}
	}
}

func indexTypeFor(f schema.Field) store.IndexType {
	switch {
	case f.FieldType.IsNumeric():
		if f.FieldType == schema.FieldInteger {
			return store.IndexInteger
		}
		return store.IndexFloat
	case f.FieldType == schema.FieldBoolean:
		return store.IndexBool
	default:
		return store.IndexKeyword
	}
}

func recordRunMetrics(ctx context.Context, env *environment, summary *cascade.RunSummary) {
	for model, m := range summary.PerModel {
		env.metrics.RecordSynced(ctx, model, int64(m.RecordsUpserted))
		if m.RecordsFailed > 0 {
			env.metrics.RecordFailed(ctx, model, "sync", int64(m.RecordsFailed))
		}
	}
	env.metrics.CyclesDetected.Add(ctx, int64(summary.CyclesDetected))
	env.metrics.GraphEdges.Add(ctx, int64(summary.GraphEdgesTouched))
}

func saveWatermarks(env *environment, summary *cascade.RunSummary, dateTo string) {
	for model, m := range summary.PerModel {
		if m.RecordsUpserted == 0 {
			continue
		}
		err := env.watermarks.Save(watermark.Mark{
			Model:    model,
			LastSync: time.Now().UTC(),
			DateTo:   dateTo,
			Records:  m.RecordsUpserted,
		})
		if err != nil {
			slog.Warn("could not save watermark", "model", model, "err", err)
		}
	}
}

func printRunSummary(summary *cascade.RunSummary, dlqSize int) {
	fmt.Printf("run %s: %d items, %d fetched, %d upserted, %d failed, %d graph edges, %d cycles\n",
		summary.RunID, summary.ItemsProcessed, summary.RecordsFetched, summary.RecordsUpserted,
		summary.RecordsFailed, summary.GraphEdgesTouched, summary.CyclesDetected)
	models := make([]string, 0, len(summary.PerModel))
	for m := range summary.PerModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		ms := summary.PerModel[m]
		fmt.Printf("  %-24s fetched=%d upserted=%d failed=%d\n", m, ms.RecordsFetched, ms.RecordsUpserted, ms.RecordsFailed)
	}
	fmt.Printf("dlq size: %d\n", dlqSize)
}

func printIntegrityReport(ctx context.Context, env *environment, report integrity.GlobalReport) {
	fmt.Printf("integrity: %d records, %d FK references, %d missing, %d unparseable\n",
		report.TotalRecords, report.TotalFKReferences, report.MissingReferences, report.Unparseable)

	models := make([]string, 0, len(report.Models))
	for m := range report.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, name := range models {
		m := report.Models[name]
		fmt.Printf("  %-24s records=%d fields=%d refs=%d missing=%d\n",
			name, m.TotalRecords, m.FKFieldsChecked, m.TotalFKReferences, m.MissingReferences)
		for _, d := range m.OrphanDetails {
			fmt.Printf("    %s record %d -> %s\n", d.Field, d.SourceRecordID, d.TargetUUID)
		}
	}
	if len(report.MissingByTargetModel) > 0 {
		fmt.Println("missing by target model:")
		targets := make([]string, 0, len(report.MissingByTargetModel))
		for t := range report.MissingByTargetModel {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			fmt.Printf("  %-24s %d\n", t, report.MissingByTargetModel[t])
			env.metrics.RecordOrphans(ctx, t, int64(report.MissingByTargetModel[t]))
		}
	}
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
