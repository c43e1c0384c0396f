package collector

import (
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/model"
	"github.com/shirou/gopsutil/disk"
)

// diskUsageFamilies reports filesystem usage of the server's data and WAL
// directory hints. The hints only make sense for servers sharing a
// filesystem with the exporter; lookups that fail are skipped quietly.
func diskUsageFamilies(t *Target) []model.Family {
	type dir struct {
		kind string
		path string
	}

	dirs := []dir{}
	if t.DataDir != "" {
		dirs = append(dirs, dir{kind: "data", path: t.DataDir})
	}
	if t.WALDir != "" {
		dirs = append(dirs, dir{kind: "wal", path: t.WALDir})
	}
	if len(dirs) == 0 {
		return nil
	}

	f := model.Family{
		Name: "pgexporter_used_disk_space_bytes",
		Help: "Bytes used on the filesystem holding the server's data or WAL directory.",
		Type: model.TypeGauge,
	}

	for _, d := range dirs {
		usage, err := disk.Usage(d.path)
		if err != nil {
			log.Debugf("server %s: disk usage of %s unavailable: %s", t.Name, d.path, err)
			continue
		}

		f.Samples = append(f.Samples, model.Sample{
			Name: f.Name,
			Labels: []model.Label{
				{Name: "directory", Value: d.kind},
				{Name: "server", Value: t.Name},
			},
			Value: float64(usage.Used),
		})
	}

	if len(f.Samples) == 0 {
		return nil
	}
	return []model.Family{f}
}
