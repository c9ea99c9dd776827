package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"cropkit/crop"

	"github.com/stretchr/testify/require"
)

func TestReadOperations(t *testing.T) {
	in := `{"type":"crop","filename":"a.jpg","crop":{"x":0.1,"y":0.2,"w":0.5,"h":0.5}}

{"type":"crop","filename":"b.png","crop":{"x":0,"y":0,"w":1,"h":1},"format":"png","aspect_x":1,"aspect_y":1}
`
	ops, err := ReadOperations(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, "a.jpg", ops[0].Crop.Filename)
	require.Equal(t, Crop{X: 0.1, Y: 0.2, Width: 0.5, Height: 0.5}, ops[0].Crop.Crop)
	require.Equal(t, "png", ops[1].Crop.Format)
	require.Equal(t, 1, ops[1].Crop.AspectX)

	_, err = ReadOperations(strings.NewReader(`{"type":"pick","filename":"a.jpg"}`))
	require.ErrorContains(t, err, "line 1")
	require.ErrorContains(t, err, `unknown operation "pick"`)
}

func TestOperationMarshalKeepsType(t *testing.T) {
	op := Operation{Crop: &CropOperation{Filename: "a.jpg", Crop: Crop{Width: 1, Height: 1}}}
	data, err := json.Marshal(op)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	require.Equal(t, "crop", fields["type"])
	require.Equal(t, "a.jpg", fields["filename"])

	_, err = json.Marshal(Operation{})
	require.Error(t, err)
}

func TestCropValidate(t *testing.T) {
	require.NoError(t, Crop{X: 0, Y: 0, Width: 1, Height: 1}.Validate())
	require.NoError(t, Crop{X: 0.5, Y: 0.25, Width: 0.5, Height: 0.5}.Validate())
	require.Error(t, Crop{Width: 0, Height: 1}.Validate())
	require.Error(t, Crop{X: 0.6, Width: 0.5, Height: 0.5}.Validate())
	require.Error(t, Crop{Y: -0.1, Width: 0.5, Height: 0.5}.Validate())
}

func TestCropRect(t *testing.T) {
	c := Crop{X: 0.25, Y: 0.5, Width: 0.5, Height: 0.25}
	require.Equal(t, crop.Rect{Left: 50, Top: 50, Right: 150, Bottom: 75}, c.Rect(200, 100))
	require.Equal(t, c.ID(), Crop{X: 0.25, Y: 0.5, Width: 0.5, Height: 0.25}.ID())
	require.NotEqual(t, c.ID(), Crop{X: 0.3, Y: 0.5, Width: 0.5, Height: 0.25}.ID())
}

func TestCropOperationOutputName(t *testing.T) {
	c := Crop{Width: 1, Height: 1}
	for _, tc := range []struct {
		op   CropOperation
		want string
	}{
		{CropOperation{Filename: "dir/photo.JPG", Crop: c}, "photo-" + c.ID() + ".jpg"},
		{CropOperation{Filename: "scan.tiff.zst", Crop: c, Format: "png"}, "scan-" + c.ID() + ".png"},
		{CropOperation{Filename: "raw.bmp", Crop: c, Format: "jpeg"}, "raw-" + c.ID() + ".jpg"},
	} {
		require.Equal(t, tc.want, tc.op.OutputName())
	}
}

func TestCropOperationOptions(t *testing.T) {
	_, err := CropOperation{Format: "xcf"}.Options()
	require.Error(t, err)

	opts, err := CropOperation{Format: "png", AspectX: 16, AspectY: 9, MaxWidth: 100}.Options()
	require.NoError(t, err)
	require.Len(t, opts, 3)
}

type fakeCropper struct {
	mu   sync.Mutex
	seen []string
	fail map[string]error
}

func (f *fakeCropper) Crop(_ context.Context, op CropOperation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, op.Filename)
	if err := f.fail[op.Filename]; err != nil {
		return "", err
	}
	return "out/" + op.OutputName(), nil
}

func TestOperationExecutor(t *testing.T) {
	cropper := &fakeCropper{fail: map[string]error{"bad.jpg": errors.New("boom")}}
	exec := OperationExecutor{
		OutputDir:   t.TempDir(),
		Cropper:     cropper,
		Concurrency: 2,
	}
	whole := Crop{Width: 1, Height: 1}
	ops := Operations{
		{Crop: &CropOperation{Filename: "a.jpg", Crop: whole}},
		{Crop: &CropOperation{Filename: "bad.jpg", Crop: whole}},
		{Crop: &CropOperation{Filename: "invalid.jpg", Crop: Crop{Width: 2, Height: 1}}},
	}

	results, err := exec.Exec(context.Background(), ops)
	require.Error(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "a.jpg", results[0].Filename)
	require.Equal(t, "out/a-"+whole.ID()+".jpg", results[0].Output)
	require.Empty(t, results[0].Error)

	require.Equal(t, "bad.jpg", results[1].Filename)
	require.Contains(t, results[1].Error, "boom")

	require.Contains(t, results[2].Error, "outside of the image")
	require.ElementsMatch(t, []string{"a.jpg", "bad.jpg"}, cropper.seen, "invalid crops never reach the cropper")

	results, err = exec.Exec(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestApplyDefaults(t *testing.T) {
	ops := Operations{
		{Crop: &CropOperation{Filename: "a.jpg", Crop: Crop{Width: 1, Height: 1}}},
		{Crop: &CropOperation{Filename: "b.jpg", Format: "png", AspectX: 1, AspectY: 1}},
	}
	applyDefaults(ops, CropOperation{AspectX: 16, AspectY: 9, Format: "jpg", Quality: 80})

	require.Equal(t, CropOperation{
		Filename: "a.jpg", Crop: Crop{Width: 1, Height: 1},
		AspectX: 16, AspectY: 9, Format: "jpg", Quality: 80,
	}, *ops[0].Crop)
	require.Equal(t, "png", ops[1].Crop.Format)
	require.Equal(t, 1, ops[1].Crop.AspectX)
	require.Equal(t, 80, ops[1].Crop.Quality)
}
