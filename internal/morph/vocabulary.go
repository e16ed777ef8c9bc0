package morph

import "sort"

// ARKit blend-shape names. Most avatar exporters (Ready Player Me, VRoid
// via VRM-to-glTF, Apple ARKit captures) ship this vocabulary, so it is
// the default when no renderer vocabulary is supplied.
const (
	BrowDownLeft        = "browDownLeft"
	BrowDownRight       = "browDownRight"
	BrowInnerUp         = "browInnerUp"
	BrowOuterUpLeft     = "browOuterUpLeft"
	BrowOuterUpRight    = "browOuterUpRight"
	CheekPuff           = "cheekPuff"
	CheekSquintLeft     = "cheekSquintLeft"
	CheekSquintRight    = "cheekSquintRight"
	EyeBlinkLeft        = "eyeBlinkLeft"
	EyeBlinkRight       = "eyeBlinkRight"
	EyeLookDownLeft     = "eyeLookDownLeft"
	EyeLookDownRight    = "eyeLookDownRight"
	EyeLookInLeft       = "eyeLookInLeft"
	EyeLookInRight      = "eyeLookInRight"
	EyeLookOutLeft      = "eyeLookOutLeft"
	EyeLookOutRight     = "eyeLookOutRight"
	EyeLookUpLeft       = "eyeLookUpLeft"
	EyeLookUpRight      = "eyeLookUpRight"
	EyeSquintLeft       = "eyeSquintLeft"
	EyeSquintRight      = "eyeSquintRight"
	EyeWideLeft         = "eyeWideLeft"
	EyeWideRight        = "eyeWideRight"
	JawForward          = "jawForward"
	JawLeft             = "jawLeft"
	JawOpen             = "jawOpen"
	JawRight            = "jawRight"
	MouthClose          = "mouthClose"
	MouthDimpleLeft     = "mouthDimpleLeft"
	MouthDimpleRight    = "mouthDimpleRight"
	MouthFrownLeft      = "mouthFrownLeft"
	MouthFrownRight     = "mouthFrownRight"
	MouthFunnel         = "mouthFunnel"
	MouthLeft           = "mouthLeft"
	MouthLowerDownLeft  = "mouthLowerDownLeft"
	MouthLowerDownRight = "mouthLowerDownRight"
	MouthPressLeft      = "mouthPressLeft"
	MouthPressRight     = "mouthPressRight"
	MouthPucker         = "mouthPucker"
	MouthRight          = "mouthRight"
	MouthRollLower      = "mouthRollLower"
	MouthRollUpper      = "mouthRollUpper"
	MouthShrugLower     = "mouthShrugLower"
	MouthShrugUpper     = "mouthShrugUpper"
	MouthSmileLeft      = "mouthSmileLeft"
	MouthSmileRight     = "mouthSmileRight"
	MouthStretchLeft    = "mouthStretchLeft"
	MouthStretchRight   = "mouthStretchRight"
	MouthUpperUpLeft    = "mouthUpperUpLeft"
	MouthUpperUpRight   = "mouthUpperUpRight"
	NoseSneerLeft       = "noseSneerLeft"
	NoseSneerRight      = "noseSneerRight"
	TongueOut           = "tongueOut"
)

var arkit = []string{
	BrowDownLeft, BrowDownRight, BrowInnerUp, BrowOuterUpLeft, BrowOuterUpRight,
	CheekPuff, CheekSquintLeft, CheekSquintRight,
	EyeBlinkLeft, EyeBlinkRight, EyeLookDownLeft, EyeLookDownRight,
	EyeLookInLeft, EyeLookInRight, EyeLookOutLeft, EyeLookOutRight,
	EyeLookUpLeft, EyeLookUpRight, EyeSquintLeft, EyeSquintRight,
	EyeWideLeft, EyeWideRight,
	JawForward, JawLeft, JawOpen, JawRight,
	MouthClose, MouthDimpleLeft, MouthDimpleRight, MouthFrownLeft, MouthFrownRight,
	MouthFunnel, MouthLeft, MouthLowerDownLeft, MouthLowerDownRight,
	MouthPressLeft, MouthPressRight, MouthPucker, MouthRight,
	MouthRollLower, MouthRollUpper, MouthShrugLower, MouthShrugUpper,
	MouthSmileLeft, MouthSmileRight, MouthStretchLeft, MouthStretchRight,
	MouthUpperUpLeft, MouthUpperUpRight, NoseSneerLeft, NoseSneerRight,
	TongueOut,
}

// ARKitVocabulary returns the 52 ARKit blend-shape names.
func ARKitVocabulary() []string {
	out := make([]string, len(arkit))
	copy(out, arkit)
	return out
}

// normalizeVocabulary drops empty and duplicate names and sorts the rest
// so influence maps are built in a stable order.
func normalizeVocabulary(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
