package filter

import (
	"regexp"

	"github.com/pgexporter/pgexporter/internal/log"
)

// Filter describes include/exclude patterns applied to database names when a
// metric is collected from all databases of a server.
type Filter struct {
	// Exclude pattern string.
	Exclude string `yaml:"exclude,omitempty"`
	// Compiled exclude pattern regexp.
	ExcludeRE *regexp.Regexp
	// Include pattern string.
	Include string `yaml:"include,omitempty"`
	// Compiled include pattern regexp.
	IncludeRE *regexp.Regexp
}

// DefaultFilters sets up default filters.
func DefaultFilters(filters map[string]Filter) {
	log.Debug("define default filters")

	// Template databases and the reserved cloud-vendor maintenance databases
	// never carry user-facing stats.
	if _, ok := filters["database"]; !ok {
		filters["database"] = Filter{Exclude: `^(template\d+|rdsadmin|azure_maintenance)$`}
	}
}

// CompileFilters walk trough filters and compile them.
func CompileFilters(filters map[string]Filter) error {
	log.Debug("compile filters")

	for key, f := range filters {
		if f.Exclude != "" {
			re, err := regexp.Compile(f.Exclude)
			if err != nil {
				return err
			}
			f.ExcludeRE = re
		}

		if f.Include != "" {
			re, err := regexp.Compile(f.Include)
			if err != nil {
				return err
			}
			f.IncludeRE = re
		}

		// Save updated filter back to map.
		filters[key] = f
	}

	log.Debug("filters compiled successfully")
	return nil
}

// Pass checks that target is satisfied to filter's regexps.
func (f *Filter) Pass(target string) bool {
	// Filters not specified - pass the target.
	if f.ExcludeRE == nil && f.IncludeRE == nil {
		return true
	}

	if f.ExcludeRE != nil && f.IncludeRE != nil {
		// Exclude has higher priority: the target passes only when it matches
		// 'include' and does not match 'exclude'.
		return f.IncludeRE.MatchString(target) && !f.ExcludeRE.MatchString(target)
	}

	// Exclude is specified and target matches 'exclude' - reject.
	if f.ExcludeRE != nil && f.ExcludeRE.MatchString(target) {
		log.Debugln("exclude target ", target)
		return false
	}
	// Include is specified and target doesn't match 'include' - reject.
	if f.IncludeRE != nil && !f.IncludeRE.MatchString(target) {
		log.Debugln("exclude target ", target)
		return false
	}

	return true
}
