package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/facetcore/facetcore/hookstore"
	"github.com/facetcore/facetcore/pluginsys"

	semver "github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
)

func constraintForExact(version string) (*semver.Constraints, error) {
	return semver.NewConstraint("=" + version)
}

func main() {
	var (
		storeDir string
		command  string
	)

	flag.StringVar(&storeDir, "store", ".pluginctl", "hook package store directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	command = args[0]

	switch command {
	case "publish":
		handlePublish(storeDir, args[1:])
	case "fetch":
		handleFetch(storeDir, args[1:])
	case "list":
		handleList(storeDir, args[1:])
	case "resolve":
		handleResolve(storeDir, args[1:])
	case "lock":
		handleLock(storeDir, args[1:])
	case "verify":
		handleVerify(storeDir, args[1:])
	case "build":
		handleBuild(storeDir, args[1:])
	case "watch":
		handleWatch(storeDir, args[1:])
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`pluginctl - facetcore hook package tool

Usage: pluginctl [options] <command> [args...]

Commands:
  publish [-kind=<facetKind>] [-attach]                  Publish a hook package blob
          [-contract=<name>] [-required=a,b]             (flags go before <name>)
          [-operations=op1,op2]
          <name> <version> <file> [dep:constraint...]
  fetch <name> <version> <outfile>                       Fetch a blob by name@version
  list <name>                                            List known versions of a package
  resolve <name:constraint...>                           Resolve requirements to pinned versions
  lock <out.lock.json> <name:constraint...>              Resolve and write a lockfile
  verify <lockfile>                                       Verify a lockfile against the store
  build <name:constraint...>                             Resolve, fetch, and build a live Subsystem
  watch <dir> <name:constraint...>                       Build a Subsystem, then reload it on fs events
  help                                                    Show this help

Options:
  -store <directory>        Hook package store directory (default: .pluginctl)

Examples:
  pluginctl publish -kind=cache -operations=get,set cache-redis 1.0.0 -
  pluginctl resolve app:^1.0.0
  pluginctl lock app.lock.json app:^1.0.0
  pluginctl build cache-redis:^1.0.0
  pluginctl watch ./hooks cache-redis:^1.0.0
`)
}

func openRegistry(storeDir string) *hookstore.FileRegistry {
	reg, err := hookstore.NewFileRegistry(storeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store at %s: %v\n", storeDir, err)
		os.Exit(1)
	}
	return reg
}

// handlePublish publishes either a plain source blob (file's bytes as-is) or,
// when -kind is given, a hook package: the file argument is ignored and the
// blob's Data becomes an encoded HookDescriptor built from -required,
// -contract and -operations, so it decodes straight into a usable
// pluginsys.Hook on the other end.
func handlePublish(storeDir string, args []string) {
	fs := flag.NewFlagSet("publish", flag.ExitOnError)
	kind := fs.String("kind", "", "facet kind this package provides; marks it as a hook package")
	attach := fs.Bool("attach", false, "attach onto an existing facet of the same kind instead of owning it")
	contract := fs.String("contract", "", "contract name the provided facet satisfies")
	required := fs.String("required", "", "comma-separated facet kinds the provided facet requires")
	operations := fs.String("operations", "", "comma-separated operation names the provided facet exposes")
	fs.Parse(args)
	rest := fs.Args()

	if len(rest) < 3 {
		fmt.Fprintf(os.Stderr, "Error: name, version and file required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl publish [-kind=<facetKind>] ... <name> <version> <file> [dep:constraint...]\n")
		os.Exit(1)
	}
	name, version, file := rest[0], rest[1], rest[2]

	var deps []hookstore.HookDependency
	for _, raw := range rest[3:] {
		parts := strings.SplitN(raw, ":", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: malformed dependency '%s', expected name:constraint\n", raw)
			os.Exit(1)
		}
		deps = append(deps, hookstore.HookDependency{Name: hookstore.HookID(parts[0]), Constraint: parts[1]})
	}

	var data []byte
	if *kind != "" {
		var reqList, opList []string
		if *required != "" {
			reqList = strings.Split(*required, ",")
		}
		if *operations != "" {
			opList = strings.Split(*operations, ",")
		}
		encoded, err := hookstore.EncodeDescriptor(hookstore.HookDescriptor{
			Required:   reqList,
			Contract:   *contract,
			Operations: opList,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to encode hook descriptor: %v\n", err)
			os.Exit(1)
		}
		data = encoded
	} else {
		raw, err := os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read %s: %v\n", file, err)
			os.Exit(1)
		}
		data = raw
	}

	reg := openRegistry(storeDir)
	blob := hookstore.HookBlob{
		Manifest: hookstore.HookManifest{
			Name:         hookstore.HookID(name),
			Version:      version,
			Dependencies: deps,
			FacetKind:    *kind,
			Attach:       *attach,
		},
		Data: data,
	}

	cid, err := reg.Publish(context.Background(), blob)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to publish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Published %s@%s -> %s\n", name, version, cid)
}

func handleFetch(storeDir string, args []string) {
	if len(args) < 3 {
		fmt.Fprintf(os.Stderr, "Error: name, version and output file required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl fetch <name> <version> <outfile>\n")
		os.Exit(1)
	}
	name, version, out := args[0], args[1], args[2]

	reg := openRegistry(storeDir)
	ctx := context.Background()
	c, err := constraintForExact(version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid version %s: %v\n", version, err)
		os.Exit(1)
	}
	cid, _, err := reg.Find(ctx, hookstore.HookID(name), c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s@%s not found: %v\n", name, version, err)
		os.Exit(1)
	}
	blob, err := reg.Fetch(ctx, cid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to fetch %s: %v\n", cid, err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, blob.Data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("Fetched %s@%s (%s) -> %s\n", name, blob.Manifest.Version, cid, out)
}

func handleList(storeDir string, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: package name required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl list <name>\n")
		os.Exit(1)
	}
	reg := openRegistry(storeDir)
	versions, err := reg.List(context.Background(), hookstore.HookID(args[0]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to list: %v\n", err)
		os.Exit(1)
	}
	if len(versions) == 0 {
		fmt.Printf("No versions found for '%s'\n", args[0])
		return
	}
	fmt.Printf("Found %d versions of '%s':\n", len(versions), args[0])
	for _, m := range versions {
		fmt.Printf("  %s (facet kind: %s)\n", m.Version, m.FacetKind)
	}
}

func parseRequirements(args []string) ([]hookstore.HookRequirement, error) {
	reqs := make([]hookstore.HookRequirement, 0, len(args))
	for _, raw := range args {
		parts := strings.SplitN(raw, ":", 2)
		constraint := ""
		if len(parts) == 2 {
			constraint = parts[1]
		}
		reqs = append(reqs, hookstore.HookRequirement{Name: hookstore.HookID(parts[0]), Constraint: constraint})
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("at least one requirement is required")
	}
	return reqs, nil
}

func handleResolve(storeDir string, args []string) {
	reqs, err := parseRequirements(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: pluginctl resolve <name:constraint...>\n")
		os.Exit(1)
	}

	reg := openRegistry(storeDir)
	mgr := hookstore.NewManager(reg)
	resolved, err := mgr.ResolveAndFetch(context.Background(), reqs, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolution failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Resolved %d packages:\n", len(resolved))
	for name, r := range resolved {
		fmt.Printf("  %s@%s -> %s\n", name, r.Version, r.CID)
	}
}

func handleLock(storeDir string, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: output path and at least one requirement required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl lock <out.lock.json> <name:constraint...>\n")
		os.Exit(1)
	}
	out := args[0]
	reqs, err := parseRequirements(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	reg := openRegistry(storeDir)
	ctx := context.Background()
	mgr := hookstore.NewManager(reg)
	resolved, err := mgr.ResolveAndFetch(ctx, reqs, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolution failed: %v\n", err)
		os.Exit(1)
	}

	idx := make(hookstore.HookIndex)
	for name := range resolved {
		mans, err := reg.List(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list %s: %v\n", name, err)
			os.Exit(1)
		}
		idx[name] = mans
	}
	resolver := hookstore.NewResolver(idx, hookstore.ResolveOptions{PreferHigher: true})
	resolution, err := resolver.Resolve(reqs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: resolution failed: %v\n", err)
		os.Exit(1)
	}

	_, raw, err := hookstore.GenerateLockfile(ctx, reg, resolution)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to generate lockfile: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote lockfile to %s\n", out)
}

// handleVerify decodes a lockfile written by `lock` and checks it against the
// store: content hashes and the facet kind/attach flag each entry pinned.
func handleVerify(storeDir string, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: lockfile path required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl verify <lockfile>\n")
		os.Exit(1)
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read %s: %v\n", args[0], err)
		os.Exit(1)
	}
	var lock hookstore.Lockfile
	if err := json.Unmarshal(raw, &lock); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s is not a valid lockfile: %v\n", args[0], err)
		os.Exit(1)
	}

	reg := openRegistry(storeDir)
	if err := hookstore.VerifyLockfile(context.Background(), reg, lock); err != nil {
		fmt.Fprintf(os.Stderr, "Error: lockfile verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s verified: %d entries match the store\n", args[0], len(lock.Entries))
}

// buildSubsystem resolves reqs against the store and drives a freshly
// constructed Subsystem through Use/Build via hookstore.Manager.
func buildSubsystem(ctx context.Context, reg *hookstore.FileRegistry, reqs []hookstore.HookRequirement) (*pluginsys.Subsystem, map[hookstore.HookID]hookstore.ResolvedHook, error) {
	sub := pluginsys.NewSubsystem("pluginctl", pluginsys.SubsystemOptions{}, nil)
	mgr := hookstore.NewManager(reg)
	resolved, err := mgr.ResolveAndBuild(ctx, sub, reqs, true)
	if err != nil {
		return nil, nil, err
	}
	return sub, resolved, nil
}

// handleBuild resolves requirements against the store, constructs Hooks from
// their manifests, and drives a Subsystem through use/build/find/dispose.
func handleBuild(storeDir string, args []string) {
	reqs, err := parseRequirements(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Usage: pluginctl build <name:constraint...>\n")
		os.Exit(1)
	}

	reg := openRegistry(storeDir)
	ctx := context.Background()
	sub, resolved, err := buildSubsystem(ctx, reg, reqs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: build failed: %v\n", err)
		os.Exit(1)
	}
	defer sub.Dispose()

	fmt.Printf("Resolved %d packages:\n", len(resolved))
	for name, r := range resolved {
		fmt.Printf("  %s@%s -> %s\n", name, r.Version, r.CID)
	}
	fmt.Printf("Subsystem built: %v\n", sub.IsBuilt())
	caps := sub.Capabilities()
	fmt.Printf("Capabilities (%d): %s\n", len(caps), strings.Join(caps, ", "))
	for _, kind := range caps {
		if facet, ok := sub.Find(kind, nil); ok {
			fmt.Printf("  %s: state=%v version=%s\n", kind, facet.State(), facet.GetVersion())
		}
	}
}

// handleWatch builds a Subsystem from reqs, then watches dir for filesystem
// changes and calls Subsystem.Reload followed by Build on every qualifying
// event. That disposes and re-initializes every facet from the hooks decoded
// at start-up; the requirements are not re-resolved and no blob is fetched
// again, so a package republished after start-up is not picked up.
func handleWatch(storeDir string, args []string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: directory and at least one requirement required\n")
		fmt.Fprintf(os.Stderr, "Usage: pluginctl watch <dir> <name:constraint...>\n")
		os.Exit(1)
	}
	dir := args[0]
	reqs, err := parseRequirements(args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	reg := openRegistry(storeDir)
	ctx := context.Background()
	sub, _, err := buildSubsystem(ctx, reg, reqs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: initial build failed: %v\n", err)
		os.Exit(1)
	}
	defer sub.Dispose()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create watcher: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to watch %s: %v\n", dir, err)
		os.Exit(1)
	}

	fmt.Printf("Built subsystem with capabilities: %s\n", strings.Join(sub.Capabilities(), ", "))
	fmt.Printf("Watching %s for hook package changes. Ctrl+C to stop.\n", dir)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			fmt.Printf("[%s] %s %s triggers reload\n", time.Now().UTC().Format(time.RFC3339), ev.Op, filepath.Clean(ev.Name))
			sub.Reload()
			if _, err := sub.Build(nil); err != nil {
				fmt.Fprintf(os.Stderr, "reload error: %v\n", err)
				continue
			}
			fmt.Printf("Reloaded, capabilities: %s\n", strings.Join(sub.Capabilities(), ", "))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "watch error: %v\n", err)
		}
	}
}
