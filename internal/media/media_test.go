package media

import "testing"

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"audio only", Request{Audio: true}, false},
		{"audio and video", Request{Audio: true, Video: true, Facing: FacingFront}, false},
		{"video without facing", Request{Video: true}, true},
		{"video with bad facing", Request{Video: true, Facing: "sideways"}, true},
		{"empty", Request{}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFacingFlipped(t *testing.T) {
	if FacingFront.Flipped() != FacingBack {
		t.Error("front should flip to back")
	}
	if FacingBack.Flipped() != FacingFront {
		t.Error("back should flip to front")
	}
}

func TestPickCamera(t *testing.T) {
	labelled := []DeviceInfo{
		{ID: "cam0", Label: "Front Camera"},
		{ID: "cam1", Label: "Back Camera"},
	}
	unlabelled := []DeviceInfo{
		{ID: "cam0", Label: "Integrated Webcam"},
		{ID: "cam1", Label: "USB Video Device"},
	}

	if d, ok := pickCamera(labelled, FacingBack); !ok || d.ID != "cam1" {
		t.Errorf("labelled back = %+v, %v", d, ok)
	}
	if d, ok := pickCamera(labelled, FacingFront); !ok || d.ID != "cam0" {
		t.Errorf("labelled front = %+v, %v", d, ok)
	}
	// Without facing hints the first device is treated as front-facing and
	// the last as back-facing.
	if d, ok := pickCamera(unlabelled, FacingFront); !ok || d.ID != "cam0" {
		t.Errorf("unlabelled front = %+v, %v", d, ok)
	}
	if d, ok := pickCamera(unlabelled, FacingBack); !ok || d.ID != "cam1" {
		t.Errorf("unlabelled back = %+v, %v", d, ok)
	}
	if _, ok := pickCamera(nil, FacingFront); ok {
		t.Error("empty device list should not pick")
	}
}

func TestCaptureCloseIsIdempotent(t *testing.T) {
	var closes int
	c := &Capture{closeFn: func() { closes++ }}
	c.Close()
	c.Close()
	if closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	var nilCap *Capture
	nilCap.Close()
}
