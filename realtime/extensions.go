package realtime

import (
	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Newer revisions of the realtime spec add experimental entity
// payloads (trip_modifications, shape, stop). Whether the compiled
// bindings carry them is detected through reflection, so upgrading
// the bindings module lights these up without a code change here.

type Features struct {
	TripModifications bool
	Shape             bool
	Stop              bool
}

var detectedFeatures = detectFeatures()

// SupportedFeatures reports which experimental entity fields the
// compiled bindings expose.
func SupportedFeatures() Features {
	return detectedFeatures
}

func detectFeatures() Features {
	desc := (&gtfsproto.FeedEntity{}).ProtoReflect().Descriptor()
	return Features{
		TripModifications: hasField(desc, "trip_modifications"),
		Shape:             hasField(desc, "shape"),
		Stop:              hasField(desc, "stop"),
	}
}

func hasField(desc protoreflect.MessageDescriptor, name string) bool {
	return desc.Fields().ByName(protoreflect.Name(name)) != nil
}

// CountExperimental tallies entities that carry experimental
// payloads this build cannot translate yet. They are skipped by the
// translator; the count gives operators visibility.
func CountExperimental(msg *gtfsproto.FeedMessage) int {
	if !detectedFeatures.TripModifications && !detectedFeatures.Shape && !detectedFeatures.Stop {
		return 0
	}

	count := 0
	for _, entity := range msg.GetEntity() {
		m := entity.ProtoReflect()
		desc := m.Descriptor()
		for _, name := range []string{"trip_modifications", "shape", "stop"} {
			if fd := desc.Fields().ByName(protoreflect.Name(name)); fd != nil && m.Has(fd) {
				count++
				break
			}
		}
	}
	return count
}
