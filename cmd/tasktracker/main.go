// Command tasktracker はタスクトラッカーのクライアントインスタンスを起動する。
//
// サブコマンド: serve（デフォルト）, migrate, cleanup, healthcheck
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/tasktracker/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tasktracker: %v\n", err)
		os.Exit(1)
	}
}
