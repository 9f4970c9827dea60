package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted answers questions from a fixed list and records them
type scripted struct {
	answers   []string
	questions []string
}

func (s *scripted) Ask(question string) string {
	s.questions = append(s.questions, question)
	if len(s.answers) == 0 {
		return ""
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
}

func resolve(t *testing.T, inputs []string, output string, ask prompter) (*outputPlan, error) {
	t.Helper()
	return resolveOutputs(zerolog.Nop(), inputs, output, ask)
}

func TestFeatureName(t *testing.T) {
	assert.Equal(t, "clip.npy", featureName("/videos/clip.mp4"))
	assert.Equal(t, "clip.v2.npy", featureName("clip.v2.mkv"))
	assert.Equal(t, "noext.npy", featureName("noext"))
}

func TestResolveNoOutput(t *testing.T) {
	plan, err := resolve(t, []string{"a.mp4", "b.mp4"}, "", &scripted{})
	require.NoError(t, err)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, saveDir, plan.mode)
	assert.Equal(t, cwd, plan.path)
	assert.Equal(t, []string{"a.mp4", "b.mp4"}, plan.inputs)
	assert.Equal(t, filepath.Join(cwd, "a.npy"), plan.target("dir/a.mp4"))
}

func TestResolveExistingFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "features.npy")
	touch(t, out)

	plan, err := resolve(t, []string{"a.mp4"}, out, &scripted{})
	require.NoError(t, err)
	assert.Equal(t, saveFile, plan.mode)
	assert.Equal(t, out, plan.target("a.mp4"))

	_, err = resolve(t, []string{"a.mp4", "b.mp4"}, out, &scripted{})
	assert.Error(t, err)
}

func TestResolveExistingDirSingle(t *testing.T) {
	dir := t.TempDir()

	plan, err := resolve(t, []string{"a.mp4"}, dir, &scripted{})
	require.NoError(t, err)
	assert.Equal(t, saveDir, plan.mode)
	assert.Equal(t, filepath.Join(dir, "a.npy"), plan.target("a.mp4"))

	touch(t, filepath.Join(dir, "a.npy"))
	for _, answer := range []string{"y", "yes"} {
		ask := &scripted{answers: []string{answer}}
		plan, err = resolve(t, []string{"a.mp4"}, dir, ask)
		require.NoError(t, err, answer)
		assert.Equal(t, []string{"a.mp4"}, plan.inputs)
		assert.Len(t, ask.questions, 1)
	}
	for _, answer := range []string{"n", "", "maybe"} {
		_, err = resolve(t, []string{"a.mp4"}, dir, &scripted{answers: []string{answer}})
		assert.ErrorIs(t, err, errCancelled, answer)
	}

	require.NoError(t, os.Mkdir(filepath.Join(dir, "b.npy"), 0755))
	ask := &scripted{}
	_, err = resolve(t, []string{"b.mp4"}, dir, ask)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errCancelled)
	assert.Empty(t, ask.questions)
}

func TestResolveExistingDirMulti(t *testing.T) {
	inputs := []string{"a.mp4", "b.mp4", "c.mp4", "d.mp4"}

	tests := []struct {
		name      string
		files     []string
		dirs      []string
		answers   []string
		want      []string
		wantErr   error
		questions int
	}{
		{
			name: "no conflicts",
			want: inputs,
		},
		{
			name:      "overwrite one",
			files:     []string{"c.npy"},
			answers:   []string{"o"},
			want:      inputs,
			questions: 1,
		},
		{
			name:      "skip one",
			files:     []string{"c.npy"},
			answers:   []string{"s"},
			want:      []string{"a.mp4", "b.mp4", "d.mp4"},
			questions: 1,
		},
		{
			name:      "overwrite all asks once",
			files:     []string{"a.npy", "b.npy", "d.npy"},
			answers:   []string{"a"},
			want:      inputs,
			questions: 1,
		},
		{
			name:      "skip all files asks once",
			files:     []string{"a.npy", "b.npy", "d.npy"},
			answers:   []string{"k"},
			want:      []string{"c.mp4"},
			questions: 1,
		},
		{
			name:      "directories are skipped",
			dirs:      []string{"a.npy", "b.npy"},
			answers:   []string{"k"},
			want:      []string{"c.mp4", "d.mp4"},
			questions: 1,
		},
		{
			name:      "skip one directory",
			dirs:      []string{"b.npy"},
			answers:   []string{"s"},
			want:      []string{"a.mp4", "c.mp4", "d.mp4"},
			questions: 1,
		},
		{
			name:      "directory cannot be overwritten",
			dirs:      []string{"d.npy"},
			answers:   []string{"o"},
			wantErr:   errCancelled,
			questions: 1,
		},
		{
			name:      "default cancels",
			files:     []string{"b.npy", "d.npy"},
			answers:   []string{"o", ""},
			wantErr:   errCancelled,
			questions: 2,
		},
		{
			name:      "everything skipped",
			files:     []string{"a.npy", "b.npy", "c.npy", "d.npy"},
			answers:   []string{"k"},
			wantErr:   errAllSkipped,
			questions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, f := range tt.files {
				touch(t, filepath.Join(dir, f))
			}
			for _, d := range tt.dirs {
				require.NoError(t, os.Mkdir(filepath.Join(dir, d), 0755))
			}

			ask := &scripted{answers: tt.answers}
			plan, err := resolve(t, inputs, dir, ask)
			assert.Len(t, ask.questions, tt.questions)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, plan.inputs)
			assert.Equal(t, saveDir, plan.mode)
		})
	}
}

func TestResolveConflictsAskFromLast(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.npy"))
	touch(t, filepath.Join(dir, "b.npy"))

	ask := &scripted{answers: []string{"o", "o"}}
	_, err := resolve(t, []string{"a.mp4", "b.mp4"}, dir, ask)
	require.NoError(t, err)
	require.Len(t, ask.questions, 2)
	assert.Contains(t, ask.questions[0], "b.npy")
	assert.Contains(t, ask.questions[1], "a.npy")
}

func TestResolveMissingOutput(t *testing.T) {
	dir := t.TempDir()

	out := filepath.Join(dir, "single.npy")
	plan, err := resolve(t, []string{"a.mp4"}, out, &scripted{})
	require.NoError(t, err)
	assert.Equal(t, saveFile, plan.mode)
	assert.NoFileExists(t, out)

	out = filepath.Join(dir, "features")
	plan, err = resolve(t, []string{"a.mp4"}, out, &scripted{})
	require.NoError(t, err)
	assert.Equal(t, saveDir, plan.mode)
	assert.DirExists(t, out)

	out = filepath.Join(dir, "looks.like.file")
	plan, err = resolve(t, []string{"a.mp4", "b.mp4"}, out, &scripted{})
	require.NoError(t, err)
	assert.Equal(t, saveDir, plan.mode)
	assert.DirExists(t, out)
	assert.Equal(t, filepath.Join(out, "b.npy"), plan.target("b.mp4"))
}

func TestResolveDuplicateTargets(t *testing.T) {
	inputs := []string{"a/x.mp4", "b/c.mp4", "b/x.mkv"}

	_, err := resolve(t, inputs, "", &scripted{})
	assert.ErrorContains(t, err, "x.npy")

	dir := t.TempDir()
	ask := &scripted{}
	_, err = resolve(t, inputs, dir, ask)
	assert.ErrorContains(t, err, "x.npy")
	assert.Empty(t, ask.questions, "nothing is asked before duplicates are reported")

	_, err = resolve(t, inputs, filepath.Join(dir, "new"), &scripted{})
	assert.ErrorContains(t, err, "x.npy")
	assert.NoDirExists(t, filepath.Join(dir, "new"))

	plan, err := resolve(t, []string{"a/x.mp4", "b/y.mp4"}, dir, &scripted{})
	require.NoError(t, err)
	assert.Len(t, plan.inputs, 2)
}
