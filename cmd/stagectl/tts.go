package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-stage/internal/config"
	speechmodel "github.com/zhouzirui/tavern-stage/internal/model/speech"
	"github.com/zhouzirui/tavern-stage/internal/service/speech"
)

func newTTSCmd() *cobra.Command {
	var (
		text       string
		voice      string
		format     string
		language   string
		outputPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "tts",
		Short: "Synthesize one line with the configured speech provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(text) == "" {
				return errors.New("--text is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			if !cfg.Speech.Enabled {
				return errors.New("语音服务未启用，请先在环境变量中配置 SPEECH_PROVIDER 与对应凭证")
			}

			if voice == "" {
				voice = cfg.Speech.TTSVoice
			}
			if language == "" {
				language = cfg.Speech.TTSLanguage
			}
			if outputPath == "" {
				outputPath = fmt.Sprintf("tts-output-%d.%s", time.Now().Unix(), format)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			svc := speech.NewService(cfg.Speech, nil)
			resp, err := svc.Synthesize(ctx, &speechmodel.TTSRequest{
				SessionID: fmt.Sprintf("manual-%d", time.Now().UnixNano()),
				Text:      text,
				Voice:     speech.NormalizeVoiceAlias(voice),
				Speed:     cfg.Speech.TTSSpeed,
				Format:    format,
				Language:  language,
			})
			if err != nil {
				return fmt.Errorf("TTS 调用失败: %w", err)
			}
			if err := os.WriteFile(outputPath, resp.AudioData, 0o644); err != nil {
				return fmt.Errorf("写入音频文件失败: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "TTS 合成成功（%s）: 输出文件 %s, %d 字节\n", cfg.Speech.Provider, outputPath, len(resp.AudioData))
			return nil
		},
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "text to synthesize")
	cmd.Flags().StringVar(&voice, "voice", "", "voice id or persona alias (default: SPEECH_TTS_VOICE)")
	cmd.Flags().StringVar(&format, "format", "mp3", "output audio format")
	cmd.Flags().StringVar(&language, "lang", "", "language code (default: SPEECH_TTS_LANGUAGE)")
	cmd.Flags().StringVarP(&outputPath, "out", "o", "", "output file (default: tts-output-<unix>.<format>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "request timeout")
	return cmd
}
