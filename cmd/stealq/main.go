package main

// ============================================================================
// 職責說明：
// 1. stealq 可執行檔入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤、任務退出碼與 panic recovery
// ============================================================================

import (
	"errors"
	"fmt"
	"os"

	"github.com/ChuLiYu/stealq/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
