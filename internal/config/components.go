package config

import (
	"github.com/3leaps/batchkeeper/pkg/artifact"
	"github.com/3leaps/batchkeeper/pkg/batchstore"
	"github.com/3leaps/batchkeeper/pkg/coordinator"
	"github.com/3leaps/batchkeeper/pkg/offload"
	"github.com/3leaps/batchkeeper/pkg/provider/file"
	"github.com/3leaps/batchkeeper/pkg/provider/s3"
	"github.com/3leaps/batchkeeper/pkg/scheduler/slurm"
)

func (c *Config) StoreConfig() batchstore.Config {
	return batchstore.Config{Path: c.Store.Path, URL: c.Store.URL, AuthToken: c.Store.AuthToken}
}

func (c *Config) SlurmConfig() slurm.Config {
	s := c.Scheduler
	return slurm.Config{
		QueueCommand:      s.QueueCommand,
		QueueHeaderLines:  s.QueueHeaderLines,
		AccountingCommand: s.AccountingCommand,
		SubmitCommand:     s.SubmitCommand,
		CancelCommand:     s.CancelCommand,
		Timeout:           s.Timeout,
		Attempts:          s.Attempts,
		RetryDelay:        s.RetryDelay,
		AccountingRate:    s.AccountingRate,
	}
}

func (c *Config) ArtifactConfig() artifact.Config {
	a := c.Artifact
	return artifact.Config{
		ManifestName:    a.ManifestName,
		DefaultInputs:   a.DefaultInputs,
		DefaultOutputs:  a.DefaultOutputs,
		GenerateCommand: a.GenerateCommand,
		ConvertCommand:  a.ConvertCommand,
		ArchivalExt:     a.ArchivalExt,
		CommandTimeout:  a.CommandTimeout,
	}
}

// CoordinatorConfig converts the run section; the prepare order is parsed
// here so that a bad value fails before a pass starts.
func (c *Config) CoordinatorConfig() (coordinator.Config, error) {
	order, err := batchstore.ParseOrder(c.Run.PrepareOrder)
	if err != nil {
		return coordinator.Config{}, err
	}
	if order == batchstore.OrderByID {
		order = batchstore.OrderInsertion
	}
	return coordinator.Config{
		QueueLimit:   c.Run.QueueLimit,
		PrepareOrder: order,
		ConvertLimit: c.Run.ConvertLimit,
		Archive:      c.Run.Archive,
		ArchiveLimit: c.Run.ArchiveLimit,
	}, nil
}

func (c *Config) OffloadConfig() offload.Config {
	o := c.Offload
	return offload.Config{
		Prefix:      o.Prefix,
		KeepParents: o.KeepParents,
		RemoveLocal: o.RemoveLocal,
		Attempts:    o.Attempts,
		RetryDelay:  o.RetryDelay,
	}
}

func (c *Config) S3Config() s3.Config {
	o := c.Offload
	return s3.Config{
		Bucket:         o.Bucket,
		Region:         o.Region,
		Endpoint:       o.Endpoint,
		Profile:        o.Profile,
		ForcePathStyle: o.ForcePathStyle,
	}
}

func (c *Config) FileProviderConfig() file.Config {
	return file.Config{BaseDir: c.Offload.BaseDir}
}
