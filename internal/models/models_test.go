package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to AssetStatus
		want     bool
	}{
		{AssetStatusQueued, AssetStatusProcessing, true},
		{AssetStatusQueued, AssetStatusCompleted, true},
		{AssetStatusQueued, AssetStatusFailed, true},
		{AssetStatusProcessing, AssetStatusProcessing, true},
		{AssetStatusProcessing, AssetStatusQueued, false},
		{AssetStatusProcessing, AssetStatusCompleted, true},
		{AssetStatusCompleted, AssetStatusCompleted, true},
		{AssetStatusCompleted, AssetStatusProcessing, false},
		{AssetStatusCompleted, AssetStatusFailed, false},
		{AssetStatusFailed, AssetStatusCompleted, false},
		{AssetStatus("bogus"), AssetStatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAssetValidateDeliveryPath(t *testing.T) {
	asset := Asset{Status: AssetStatusCompleted}
	if err := asset.Validate(); err == nil {
		t.Fatal("expected completed asset without delivery path to fail validation")
	}
	asset.DeliveryPath = "c1/hls/a1/master.m3u8"
	if err := asset.Validate(); err != nil {
		t.Fatalf("validate completed asset: %v", err)
	}
	asset.Status = AssetStatusProcessing
	if err := asset.Validate(); err == nil {
		t.Fatal("expected processing asset with delivery path to fail validation")
	}
}

func TestCollectionOriginAllowList(t *testing.T) {
	open := Collection{}
	if !open.IsOriginAllowed("https://anything.example") {
		t.Fatal("expected empty allow-list to admit every origin")
	}
	restricted := Collection{AllowedOrigins: []string{"https://player.example"}}
	if !restricted.IsOriginAllowed("https://player.example") {
		t.Fatal("expected listed origin to be admitted")
	}
	if restricted.IsOriginAllowed("https://evil.example") {
		t.Fatal("expected unlisted origin to be rejected")
	}
}

func TestTranscodePayloadValidate(t *testing.T) {
	if err := (TranscodePayload{AssetID: "a", CollectionID: "c"}).Validate(); err == nil {
		t.Fatal("expected missing input path to fail")
	}
	if err := (TranscodePayload{AssetID: "a", CollectionID: "c", InputPath: "/tmp/in.mp4"}).Validate(); err != nil {
		t.Fatalf("validate payload: %v", err)
	}
}

func TestDeliveryPathFor(t *testing.T) {
	if got := DeliveryPathFor("col-1", "asset-1"); got != "col-1/hls/asset-1/master.m3u8" {
		t.Fatalf("unexpected delivery path %q", got)
	}
	if got := AssetDir("col-1", "asset-1"); got != "col-1/hls/asset-1" {
		t.Fatalf("unexpected asset dir %q", got)
	}
}
