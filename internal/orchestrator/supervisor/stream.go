package supervisor

import (
	"bufio"
	"io"
	"sync"
)

// pumpStream 逐行读取标准流并推入有界通道
//
// 通道写满时读取协程阻塞，反压传导到 Worker 进程的管道。
// 流结束（进程退出或管道关闭）后协程退出。
func pumpStream(wg *sync.WaitGroup, lines chan<- string, name string, r io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- "[" + name + "] " + scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		lines <- "[" + name + "] 读取中断: " + err.Error()
	}
}
