package model

// InputFile is one enumerated input file. It is created once at enumeration
// time and processed by exactly one worker.
type InputFile struct {
	Index   int    `json:"index"`
	RelPath string `json:"rel_path"`
	Binary  bool   `json:"binary"`
}
