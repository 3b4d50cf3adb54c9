package engine

// flagSet копит флаги модулей в порядке первого появления, без повторов.
type flagSet struct {
	seen  map[string]struct{}
	order []string
}

func newFlagSet() *flagSet {
	return &flagSet{seen: make(map[string]struct{})}
}

func (f *flagSet) Add(flags ...string) {
	for _, fl := range flags {
		if fl == "" {
			continue
		}
		if _, ok := f.seen[fl]; ok {
			continue
		}
		f.seen[fl] = struct{}{}
		f.order = append(f.order, fl)
	}
}

// Summary — итоговый список, не длиннее max. Пустой, но не nil.
func (f *flagSet) Summary(max int) []string {
	n := len(f.order)
	if max > 0 && n > max {
		n = max
	}
	out := make([]string, n)
	copy(out, f.order[:n])
	return out
}
