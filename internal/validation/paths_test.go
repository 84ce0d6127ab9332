package validation

import "testing"

func TestValidateMediaName(t *testing.T) {
	testCases := []struct {
		name  string
		media string
		valid bool
	}{
		{"simple", "clip.mp4", true},
		{"with_dash", "road-trip.mov", true},
		{"with_spaces", "birthday party.mp4", true},
		{"inner_dots", "clip..v2.mp4", true},
		{"hidden", ".thumbnail", true},
		{"empty", "", false},
		{"dot", ".", false},
		{"parent_dir", "..", false},
		{"unix_separator", "dir/clip.mp4", false},
		{"windows_separator", "dir\\clip.mp4", false},
		{"traversal", "../etc/passwd", false},
		{"absolute", "/etc/passwd", false},
		{"null_byte", "clip\x00.mp4", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateMediaName(tc.media)
			if tc.valid && err != nil {
				t.Errorf("expected %q to be valid, got: %v", tc.media, err)
			}
			if !tc.valid && err == nil {
				t.Errorf("expected %q to be rejected", tc.media)
			}
		})
	}
}
