package rcu

import (
	"sync"
	"testing"
)

type benchData struct {
	Value int
	Name  string
}

func BenchmarkRead(b *testing.B) {
	c := New(benchData{Value: 100, Name: "benchmark"})
	defer c.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h := c.Read()
			_ = h.Get().Value
			h.Release()
		}
	})
}

func BenchmarkWrite(b *testing.B) {
	c := New(benchData{Value: 100, Name: "benchmark"})
	defer c.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Write(benchData{Value: i, Name: "updated"}).Release()
	}
}

func BenchmarkUpdate(b *testing.B) {
	c := New(benchData{Value: 0, Name: "benchmark"})
	defer c.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Update(func(old *benchData) benchData {
			return benchData{Value: old.Value + 1, Name: old.Name}
		}).Release()
	}
}

// 90% reads, 10% writes
func BenchmarkReadWrite(b *testing.B) {
	c := New(benchData{Value: 100, Name: "benchmark"})
	defer c.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				c.Write(benchData{Value: i, Name: "updated"}).Release()
			} else {
				h := c.Read()
				_ = h.Get().Value
				h.Release()
			}
			i++
		}
	})
}

func BenchmarkMapSnapshot(b *testing.B) {
	items := make(map[string]int)
	for i := 0; i < 1000; i++ {
		items[string(rune('a'+i%26))+string(rune('0'+i%10))] = i
	}
	c := New(items)
	defer c.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h := c.Read()
			_ = (*h.Get())["a0"]
			h.Release()
		}
	})
}

type rwSnapshot struct {
	mu   sync.RWMutex
	data *benchData
}

func (s *rwSnapshot) Load() *benchData {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()
	return data
}

func (s *rwSnapshot) Replace(next *benchData) {
	s.mu.Lock()
	s.data = next
	s.mu.Unlock()
}

func BenchmarkRWMutexRead(b *testing.B) {
	snap := &rwSnapshot{data: &benchData{Value: 100, Name: "benchmark"}}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = snap.Load().Value
		}
	})
}

func BenchmarkRWMutexReadWrite(b *testing.B) {
	snap := &rwSnapshot{data: &benchData{Value: 100, Name: "benchmark"}}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				snap.Replace(&benchData{Value: i, Name: "updated"})
			} else {
				_ = snap.Load().Value
			}
			i++
		}
	})
}
