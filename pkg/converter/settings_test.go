package converter_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackvity/batch-converter/pkg/converter"
)

func TestNewFileInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Report.PDF")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0644))

	fi, err := converter.NewFileInfo(path)
	require.NoError(t, err)
	assert.Equal(t, path, fi.Path)
	assert.Equal(t, "Report.PDF", fi.Name)
	assert.Equal(t, int64(5), fi.Size)
	assert.Equal(t, "pdf", fi.Extension)
	assert.Equal(t, converter.FileTypePDF, fi.Type)
	assert.False(t, fi.ModTime.IsZero())

	_, err = converter.NewFileInfo(filepath.Join(dir, "missing.pdf"))
	assert.ErrorIs(t, err, converter.ErrFileNotFound)

	_, err = converter.NewFileInfo(dir)
	assert.ErrorIs(t, err, converter.ErrFileNotFound)
}

func TestConversionSettings_Validate(t *testing.T) {
	require.NoError(t, converter.DefaultSettings().Validate())

	testCases := []struct {
		name   string
		mutate func(*converter.ConversionSettings)
	}{
		{"negative concurrency", func(s *converter.ConversionSettings) { s.MaxConcurrentConversions = -1 }},
		{"no extensions", func(s *converter.ConversionSettings) { s.SupportedExtensions = nil }},
		{"zero max size", func(s *converter.ConversionSettings) { s.MaxFileSizeBytes = 0 }},
		{"negative retry", func(s *converter.ConversionSettings) { s.RetryLimit = -1 }},
		{"negative timeout", func(s *converter.ConversionSettings) { s.Timeout = -time.Second }},
		{"base above max delay", func(s *converter.ConversionSettings) {
			s.RetryBaseDelay = time.Minute
			s.RetryMaxDelay = time.Second
		}},
		{"negative price", func(s *converter.ConversionSettings) { s.PromptTokenPrice = -1 }},
		{"ocr without language", func(s *converter.ConversionSettings) {
			s.OCREnabled = true
			s.OCRLanguage = " "
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := converter.DefaultSettings()
			tc.mutate(&s)
			assert.ErrorIs(t, s.Validate(), converter.ErrConfigValidation)
		})
	}
}

func TestConversionSettings_Supports(t *testing.T) {
	s := converter.DefaultSettings()
	s.SupportedExtensions = []string{".PDF", "docx"}
	assert.True(t, s.Supports("pdf"))
	assert.True(t, s.Supports(".Docx"))
	assert.False(t, s.Supports("xyz"))
}

func TestConversionSettings_CacheKey(t *testing.T) {
	base := converter.DefaultSettings()
	key := base.CacheKey()
	assert.Len(t, key, 64)
	assert.Equal(t, key, base.CacheKey(), "deterministic")

	t.Run("scheduling fields do not change the key", func(t *testing.T) {
		s := base.Clone()
		s.MaxConcurrentConversions = 7
		s.RetryLimit = 9
		s.Timeout = time.Hour
		s.RetryBaseDelay = time.Millisecond
		s.PromptTokenPrice = 3
		s.CacheCapacity = 1
		assert.Equal(t, key, s.CacheKey())
	})

	t.Run("extension order and case do not change the key", func(t *testing.T) {
		a := base.Clone()
		a.SupportedExtensions = []string{"pdf", "docx"}
		b := base.Clone()
		b.SupportedExtensions = []string{"DOCX", ".pdf", "pdf"}
		assert.Equal(t, a.CacheKey(), b.CacheKey())
	})

	t.Run("output fields change the key", func(t *testing.T) {
		s := base.Clone()
		s.OCREnabled = true
		assert.NotEqual(t, key, s.CacheKey())

		lang := s.Clone()
		lang.OCRLanguage = "de"
		assert.NotEqual(t, s.CacheKey(), lang.CacheKey())

		size := base.Clone()
		size.MaxFileSizeBytes = 1
		assert.NotEqual(t, key, size.CacheKey())
	})

	t.Run("ocr details ignored while ocr is disabled", func(t *testing.T) {
		s := base.Clone()
		s.OCRPrompt = "different"
		assert.Equal(t, key, s.CacheKey())
	})
}

func TestConversionSettings_CloneIsDeep(t *testing.T) {
	s := converter.DefaultSettings()
	c := s.Clone()
	c.SupportedExtensions[0] = "changed"
	assert.NotEqual(t, "changed", s.SupportedExtensions[0])
}
