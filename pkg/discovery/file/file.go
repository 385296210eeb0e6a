package file

import (
    "bufio"
    "os"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/psycho-baller/trpc-crdt/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file containing one seed per line or comma-separated lists.
    Path string
    // Env names an environment variable that overrides the file when set.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 {
        opts.Refresh = 5 * time.Second
    }
    return &impl{opts: opts}
}

func (i *impl) Seeds() []string {
    i.mu.Lock()
    defer i.mu.Unlock()

    // ENV takes precedence over the file.
    if i.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
            return parseSeeds(v)
        }
    }
    if i.opts.Path == "" {
        return nil
    }

    now := time.Now()
    stat, err := os.Stat(i.opts.Path)
    if err != nil {
        // Keep serving the last good cache if the file disappeared.
        return append([]string(nil), i.cache...)
    }
    if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
        i.cache = loadFile(i.opts.Path)
        i.last = now
        i.mtime = stat.ModTime()
    }
    return append([]string(nil), i.cache...)
}

func loadFile(path string) []string {
    f, err := os.Open(path)
    if err != nil {
        return nil
    }
    defer f.Close()
    set := make(map[string]struct{})
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") {
            continue
        }
        for _, p := range strings.Split(line, ",") {
            p = strings.TrimSpace(p)
            if p != "" {
                set[p] = struct{}{}
            }
        }
    }
    if err := s.Err(); err != nil {
        return nil
    }
    out := make([]string, 0, len(set))
    for x := range set {
        out = append(out, x)
    }
    sort.Strings(out)
    return out
}

func parseSeeds(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    sort.Strings(out)
    return out
}
