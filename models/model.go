// Package models - Definitions for model families and their output class sets.
package models

// ModelFamily is the family of models, which fixes the naming convention of the outputs.
type ModelFamily string

const (
	// ModelFamilyYOLO is the Darknet YOLO family: 80 COCO classes, no background.
	ModelFamilyYOLO ModelFamily = "yolo"
	// ModelFamilyCustom is any family whose labels come from a user supplied names file.
	ModelFamilyCustom ModelFamily = "custom"
)
