// Package main is the harvester executable.
//
// A run loads configuration (file plus HARVEST_* environment), acquires one
// registry session, and resolves file numbers in paced batches. The first
// blocked response stops the run: the report and a resume manifest are
// written to the checkpoint backend and the process exits 75 so a scheduler
// can start the next run from the manifest, for example:
//
//	harvester run --config harvest.yaml --file-numbers 201912345678,201912345679
//	harvester run --config harvest.yaml --manifest manifests/resume_batch001_3items_20250301T120000Z.json
//	harvester run --config harvest.yaml --resume-latest
package main

import (
	"os"

	"github.com/JakeFAU/registry-harvester/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
