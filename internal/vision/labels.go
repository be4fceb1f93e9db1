package vision

import (
	"fmt"

	"github.com/e7canasta/orion-edge-guard/internal/types"
)

// cocoClasses holds the first COCO labels; the rest print as class_<id>.
var cocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane",
	"bus", "train", "truck", "boat", "traffic light",
}

// ClassName returns the label for a detector class id.
func ClassName(classID int) string {
	if classID >= 0 && classID < len(cocoClasses) {
		return cocoClasses[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}

// Label formats the overlay text of a detection.
func Label(d types.Detection) string {
	return fmt.Sprintf("%s %.2f", ClassName(d.ClassID), d.Confidence)
}
