package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vldhq/veld/internal/config"
	"github.com/vldhq/veld/internal/models"
)

// AutoMuxer automatically selects the best muxer based on availability.
type AutoMuxer struct {
	ffmpegPath     string
	mp4decryptPath string
	tempDir        string
	backend        string
	verbose        bool
}

// NewAutoMuxer creates a new auto-selecting muxer.
func NewAutoMuxer(cfg *config.Config) *AutoMuxer {
	m := &AutoMuxer{
		tempDir:        os.TempDir(),
		backend:        cfg.MuxerBackend,
		verbose:        cfg.Verbose,
		mp4decryptPath: cfg.Mp4DecryptPath,
	}

	if path, err := exec.LookPath("ffmpeg"); err == nil {
		m.ffmpegPath = path
	}
	if m.mp4decryptPath == "" {
		if path, err := exec.LookPath("mp4decrypt"); err == nil {
			m.mp4decryptPath = path
		}
	}

	return m
}

// Mux combines already-fetched track files (trackFiles, keyed by Track.ID)
// into the output container. Each file is exactly what the Fetcher wrote:
// init segment (if any) followed by media segments in strict index order,
// already AES-128 decrypted where applicable -- only CENC-encrypted fMP4
// tracks still need a decrypt pass here, since CENC key acquisition can
// depend on parsing the init segment's moov/pssh box, which only exists
// once the init segment has been written to disk.
func (m *AutoMuxer) Mux(ctx context.Context, tracks []*models.Track, trackFiles map[string]string, outputPath string, format ContainerFormat) error {
	if len(tracks) == 0 {
		return fmt.Errorf("no tracks to mux")
	}

	if outputPath == "" {
		outputPath = "output"
	}

	ext := "." + string(format)
	if !strings.HasSuffix(strings.ToLower(outputPath), ext) {
		outputPath = outputPath + ext
	}

	if !filepath.IsAbs(outputPath) {
		cwd, _ := os.Getwd()
		outputPath = filepath.Join(cwd, outputPath)
	}

	outputDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(outputPath), ext)

	var mediaTracks []*models.Track
	var subtitleTracks []*models.Track
	for _, t := range tracks {
		if t.IsSubtitle() {
			subtitleTracks = append(subtitleTracks, t)
		} else {
			mediaTracks = append(mediaTracks, t)
		}
	}

	for _, sub := range subtitleTracks {
		subPath := m.subtitlePath(outputDir, baseName, sub)
		if err := m.saveSubtitle(trackFiles[sub.ID], subPath); err != nil {
			if m.verbose {
				fmt.Printf("Warning: failed to save subtitle %s: %v\n", sub.ID, err)
			}
		} else {
			fmt.Printf("✓ Subtitle saved: %s\n", subPath)
		}
	}

	if len(mediaTracks) == 0 {
		return nil
	}

	if m.verbose {
		fmt.Printf("Muxing %d media tracks to: %s\n", len(mediaTracks), outputPath)
	}

	inputFiles := make([]string, 0, len(mediaTracks))
	var decrypted []string
	defer func() {
		for _, f := range decrypted {
			os.Remove(f)
		}
	}()

	for _, track := range mediaTracks {
		path, ok := trackFiles[track.ID]
		if !ok {
			return fmt.Errorf("no fetched file for track %s", track.ID)
		}

		if needsCENCDecrypt(track) {
			outPath := filepath.Join(m.tempDir, fmt.Sprintf("veld_dec_%s.mp4", sanitizeID(track.ID)))
			if err := m.decryptCENC(ctx, track, path, outPath); err != nil {
				return fmt.Errorf("decrypt track %s: %w", track.ID, err)
			}
			decrypted = append(decrypted, outPath)
			path = outPath
		}

		inputFiles = append(inputFiles, path)

		if m.verbose {
			info, _ := os.Stat(path)
			if info != nil {
				fmt.Printf("Track %s (%s): %d bytes\n", track.ID, track.Type, info.Size())
			}
		}
	}

	if m.ffmpegPath != "" && (m.backend == "auto" || m.backend == "ffmpeg") {
		return m.muxWithFFmpeg(ctx, inputFiles, mediaTracks, outputPath, format)
	}

	if len(mediaTracks) == 1 || format == FormatTS {
		return m.binaryCopy(inputFiles[0], outputPath)
	}

	return fmt.Errorf("FFmpeg required for multi-track muxing to %s", format)
}

// needsCENCDecrypt reports whether track carries CENC content keys that
// still need to be applied to its fetched fMP4 file (Widevine/PlayReady
// samples arrive encrypted; only the key material was resolved earlier).
func needsCENCDecrypt(track *models.Track) bool {
	return len(track.ContentKeys) > 0
}

// decryptCENC shells out to an external mp4decrypt-family tool (Bento4's
// mp4decrypt or an operator-supplied equivalent), passing one --key flag
// per resolved content key, matching the CLI contract the reference Python
// implementation drives via subprocess.
func (m *AutoMuxer) decryptCENC(ctx context.Context, track *models.Track, in, out string) error {
	if m.mp4decryptPath == "" {
		return fmt.Errorf("no mp4decrypt binary configured or found on PATH")
	}

	args := make([]string, 0, len(track.ContentKeys)*2+2)
	for _, ck := range track.ContentKeys {
		args = append(args, "--key", ck.String())
	}
	args = append(args, in, out)

	cmd := exec.CommandContext(ctx, m.mp4decryptPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return fmt.Errorf("mp4decrypt produced no output at %s", out)
	}
	return nil
}

// subtitlePath generates a path for a subtitle file.
func (m *AutoMuxer) subtitlePath(dir, baseName string, sub *models.Track) string {
	ext := getSubtitleExt(sub.Codec)
	lang := sub.Language
	if lang == "" {
		lang = "sub"
	}
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", baseName, lang, ext))
}

// getSubtitleExt returns appropriate extension for subtitle codec.
func getSubtitleExt(codec string) string {
	codec = strings.ToLower(codec)
	switch {
	case strings.Contains(codec, "vtt"), strings.Contains(codec, "webvtt"), strings.Contains(codec, "wvtt"):
		return ".vtt"
	case strings.Contains(codec, "ttml"), strings.Contains(codec, "stpp"):
		return ".ttml"
	case strings.Contains(codec, "srt"):
		return ".srt"
	default:
		return ".vtt"
	}
}

// saveSubtitle copies the fetcher-produced subtitle track file to path.
func (m *AutoMuxer) saveSubtitle(fetchedPath, path string) error {
	if fetchedPath == "" {
		return fmt.Errorf("subtitle track has no fetched file")
	}
	in, err := os.Open(fetchedPath)
	if err != nil {
		return err
	}
	defer in.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, in)
	return err
}

// sanitizeID makes track ID safe for filenames.
func sanitizeID(id string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_")
	return replacer.Replace(id)
}

// muxWithFFmpeg uses FFmpeg to mux tracks, mapping every stream from every
// input (-map N per input, not just stream 0) so that audio and subtitle
// tracks survive alongside video.
func (m *AutoMuxer) muxWithFFmpeg(ctx context.Context, inputFiles []string, tracks []*models.Track, output string, format ContainerFormat) error {
	args := []string{"-y", "-hide_banner"}

	if !m.verbose {
		args = append(args, "-loglevel", "error")
	} else {
		args = append(args, "-loglevel", "info")
	}

	for _, f := range inputFiles {
		args = append(args, "-i", f)
	}

	args = append(args, "-c", "copy")

	for i := range inputFiles {
		args = append(args, "-map", fmt.Sprintf("%d", i))
		if lang := tracks[i].Language; lang != "" {
			args = append(args, fmt.Sprintf("-metadata:s:%d", i), "language="+lang)
		}
	}

	if format == FormatMP4 {
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, output)

	if m.verbose {
		fmt.Printf("FFmpeg command: %s %s\n", m.ffmpegPath, strings.Join(args, " "))
	}

	cmd := exec.CommandContext(ctx, m.ffmpegPath, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if m.verbose {
		cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}

	if dur, ok := parseFFmpegDuration(stderr.String()); ok && m.verbose {
		fmt.Printf("Output duration: %s\n", dur)
	}

	return nil
}

var ffmpegDurationRe = regexp.MustCompile(`Duration: (\d{2}):(\d{2}):(\d{2})\.(\d{2})`)

// parseFFmpegDuration extracts the "Duration: HH:MM:SS.mmm" line ffmpeg
// writes to stderr; muxWithFFmpeg prints the result in verbose mode. It is
// not compared against the manifest-reported duration.
func parseFFmpegDuration(stderr string) (time.Duration, bool) {
	match := ffmpegDurationRe.FindStringSubmatch(stderr)
	if match == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(match[1])
	min, _ := strconv.Atoi(match[2])
	s, _ := strconv.Atoi(match[3])
	cs, _ := strconv.Atoi(match[4])
	total := time.Duration(h)*time.Hour + time.Duration(min)*time.Minute +
		time.Duration(s)*time.Second + time.Duration(cs)*10*time.Millisecond
	return total, true
}

// binaryCopy copies a file.
func (m *AutoMuxer) binaryCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// SupportedFormats returns supported output formats.
func (m *AutoMuxer) SupportedFormats() []ContainerFormat {
	if m.ffmpegPath != "" {
		return []ContainerFormat{FormatMP4, FormatMKV, FormatTS, FormatWebM}
	}
	return []ContainerFormat{FormatTS}
}
