package benchmark

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/contact-bulk-upload-api/internal/mocks"
	"github.com/contact-bulk-upload-api/internal/models"
	"github.com/contact-bulk-upload-api/internal/pipeline"
	"github.com/contact-bulk-upload-api/internal/progress"
	"github.com/contact-bulk-upload-api/internal/validation"
	"github.com/rs/zerolog"
)

const benchOrg = "org-bench"

func contactCSV(n int) []byte {
	var buf bytes.Buffer
	buf.WriteString("email,first_name,last_name,phone,company,job_title,lead_source\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&buf, "user%06d@test.com,First%d,Last%d,+1 555 %04d,Acme,Engineer,web\n", i, i, i, i%10000)
	}
	return buf.Bytes()
}

func contactRows(n int) []*models.ContactRow {
	rows := make([]*models.ContactRow, n)
	for i := range rows {
		rows[i] = &models.ContactRow{
			RowNumber: i + 2,
			Email:     fmt.Sprintf("user%06d@test.com", i),
			FirstName: "First",
			LastName:  "Last",
		}
	}
	return rows
}

// BenchmarkCSVParsing benchmarks the row parser over 1000 rows
func BenchmarkCSVParsing(b *testing.B) {
	data := contactCSV(1000)

	b.ResetTimer()
	b.ReportAllocs()
	b.SetBytes(int64(len(data)))

	for i := 0; i < b.N; i++ {
		p, err := pipeline.NewParser(bytes.NewReader(data), pipeline.ParserConfig{})
		if err != nil {
			b.Fatal(err)
		}
		for {
			if _, err := p.Next(); err == io.EOF {
				break
			} else if err != nil {
				b.Fatal(err)
			}
		}
	}

	b.ReportMetric(float64(1000*b.N)/b.Elapsed().Seconds(), "rows/sec")
}

// BenchmarkValidation benchmarks validation of a single contact
func BenchmarkValidation(b *testing.B) {
	validator := validation.NewValidator()

	row := &models.ContactRow{
		RowNumber: 2,
		Email:     "test@example.com",
		FirstName: "Test",
		LastName:  "User",
		Phone:     "+1 555 0100",
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		validator.ValidateContact(row)
	}
}

// BenchmarkDeduplicate benchmarks the dedup plan for 1000 rows, half of
// which already exist and a tenth of which repeat in the file
func BenchmarkDeduplicate(b *testing.B) {
	repo := mocks.NewMockContactRepository()
	deleted := time.Now()
	for i := 0; i < 500; i++ {
		c := &models.Contact{
			ID:             fmt.Sprintf("contact-%d", i),
			OrganizationID: benchOrg,
			Email:          fmt.Sprintf("user%06d@test.com", i),
		}
		if i%5 == 0 {
			c.DeletedAt = &deleted
		}
		repo.Seed(c)
	}

	rows := contactRows(1000)
	for i := 0; i < 100; i++ {
		rows[900+i].Email = rows[i].Email
	}
	dedup := pipeline.NewDeduplicator(repo, 250)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := dedup.Run(context.Background(), benchOrg, rows, nil); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(1000*b.N)/b.Elapsed().Seconds(), "rows/sec")
}

// BenchmarkBatchInsert benchmarks writing 1000 new contacts in batches of 500
func BenchmarkBatchInsert(b *testing.B) {
	plan := &pipeline.DedupResult{Inserts: contactRows(1000)}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		repo := mocks.NewMockContactRepository()
		writer := pipeline.NewWriter(repo, pipeline.WriterConfig{BatchSize: 500})
		b.StartTimer()

		if _, err := writer.Write(context.Background(), benchOrg, plan, nil, nil); err != nil {
			b.Fatal(err)
		}
	}

	b.ReportMetric(float64(1000*b.N)/b.Elapsed().Seconds(), "rows/sec")
}

// BenchmarkBroadcasterPublish benchmarks fan-out to 10 idle subscribers,
// which exercises the drop-oldest path once buffers fill
func BenchmarkBroadcasterPublish(b *testing.B) {
	broadcaster := progress.NewBroadcaster(16, zerolog.Nop())
	for i := 0; i < 10; i++ {
		broadcaster.Subscribe("file-bench", fmt.Sprintf("client-%d", i))
	}
	ev := models.ProgressEvent{FileID: "file-bench", Stage: models.StageInserting, Percentage: 60}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		broadcaster.Publish("file-bench", ev)
	}
}

// BenchmarkWorkerPoolSemaphore benchmarks semaphore acquire/release
func BenchmarkWorkerPoolSemaphore(b *testing.B) {
	sem := make(chan struct{}, 8) // matches the default worker count

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		// Acquire
		sem <- struct{}{}
		// Release
		<-sem
	}
}

// BenchmarkWorkerPoolParallel benchmarks parallel semaphore operations
func BenchmarkWorkerPoolParallel(b *testing.B) {
	sem := make(chan struct{}, 8)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			sem <- struct{}{}
			<-sem
		}
	})
}
