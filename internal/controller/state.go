package controller

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"subspace.ai/internal/ledger"
	"subspace.ai/internal/persistence/jsonfile"
)

const (
	StorageFile      = "storage.json"
	EndpointsFile    = "endpoints.json"
	TechnologiesFile = "technologies.json"
)

// State is the persisted part of the controller.
type State struct {
	Storage      *ledger.Storage
	Endpoints    *ledger.Storage
	Technologies *ledger.Technologies
}

// LoadState reads the ledgers from dir. Missing files yield empty ledgers;
// any other failure is returned.
func LoadState(dir string) (State, error) {
	st := State{
		Storage:      ledger.NewStorage(),
		Endpoints:    ledger.NewStorage(),
		Technologies: ledger.NewTechnologies(),
	}
	docs := []struct {
		file string
		v    any
	}{
		{StorageFile, st.Storage},
		{EndpointsFile, st.Endpoints},
		{TechnologiesFile, st.Technologies},
	}
	for _, d := range docs {
		if _, err := jsonfile.Load(filepath.Join(dir, d.file), d.v); err != nil {
			return State{}, err
		}
	}
	st.Storage.ClearDirty()
	st.Endpoints.ClearDirty()
	st.Technologies.ClearDirty()
	return st, nil
}

// dirtyLedger is the part of a ledger the save path needs.
type dirtyLedger interface {
	json.Marshaler
	Dirty() bool
	ClearDirty()
	MarkDirty()
}

type saveJob struct {
	file string
	data []byte
}

type saveResult struct {
	file string
	err  error
}

func (c *Controller) ledgers() map[string]dirtyLedger {
	return map[string]dirtyLedger{
		StorageFile:      c.coord.Storage(),
		EndpointsFile:    c.endpoints,
		TechnologiesFile: c.research.Technologies(),
	}
}

// snapshotDirty serializes every dirty ledger and clears its flag. The
// bytes are captured on the owner goroutine so writers never see a ledger
// that is still being mutated.
func (c *Controller) snapshotDirty() []saveJob {
	var jobs []saveJob
	for _, file := range []string{StorageFile, EndpointsFile, TechnologiesFile} {
		l := c.ledgers()[file]
		if !l.Dirty() {
			continue
		}
		b, err := l.MarshalJSON()
		if err != nil {
			c.logger.Printf("save %s: encode: %v", file, err)
			continue
		}
		l.ClearDirty()
		jobs = append(jobs, saveJob{file: file, data: b})
	}
	return jobs
}

// checkpoint hands dirty ledgers to the save writer. It returns the number
// of documents queued.
func (c *Controller) checkpoint() int {
	queued := 0
	for _, job := range c.snapshotDirty() {
		select {
		case c.saveJobs <- job:
			queued++
		default:
			c.logger.Printf("save %s: writer busy, retrying next checkpoint", job.file)
			c.ledgers()[job.file].MarkDirty()
		}
	}
	return queued
}

func (c *Controller) handleSaveResult(r saveResult) {
	if r.err == nil {
		return
	}
	c.logger.Printf("save %s: %v", r.file, r.err)
	c.ledgers()[r.file].MarkDirty()
}

func (c *Controller) writeSave(job saveJob) error {
	return jsonfile.Save(filepath.Join(c.cfg.DataDir, job.file), job.data, c.cfg.MaxSaveBytes)
}

// saveWriter runs off the owner goroutine.
func (c *Controller) saveWriter(jobs <-chan saveJob, results chan<- saveResult) {
	for job := range jobs {
		err := c.writeSave(job)
		if err != nil {
			err = fmt.Errorf("write: %w", err)
		}
		results <- saveResult{file: job.file, err: err}
	}
}
