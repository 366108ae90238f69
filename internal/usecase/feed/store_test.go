package feed

import (
	"testing"

	"feedsync/internal/domain"
)

func TestResetTopLevelPreservesLoadedThread(t *testing.T) {
	s := NewStore()
	first := post("p1", 3, 2)
	s.ResetTopLevel([]domain.Post{first})
	if !s.AttachReplies("p1", []domain.Post{post("r1", 0, 0), post("r2", 0, 0)}) {
		t.Fatalf("ветка должна прикрепиться")
	}

	// страница кэша несёт свежие счётчики, но не знает про ветку
	refreshed := post("p1", 9, 4)
	s.ResetTopLevel([]domain.Post{refreshed})

	got, ok := s.Get("p1")
	if !ok {
		t.Fatalf("пост пропал после обновления")
	}
	if got.LikeCount != 9 || got.ReplyCount != 4 {
		t.Fatalf("счётчики кэша авторитетны: %d/%d", got.LikeCount, got.ReplyCount)
	}
	if len(got.Replies) != 2 || !got.IsExpanded {
		t.Fatalf("загруженная ветка и раскрытие должны пережить обновление: %+v", got)
	}
}

func TestResetTopLevelFloorsReplyCountToLoaded(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 3)})
	s.AttachReplies("p1", []domain.Post{post("r1", 0, 0), post("r2", 0, 0), post("r3", 0, 0)})

	// кэш отстал и утверждает, что ответов один
	stale := post("p1", 0, 1)
	s.ResetTopLevel([]domain.Post{stale})

	got, _ := s.Get("p1")
	if got.ReplyCount != 3 {
		t.Fatalf("reply_count не может быть меньше загруженного: %d", got.ReplyCount)
	}
}

func TestResetTopLevelSkipsDuplicatesAndEmptyIDs(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 0), post("", 0, 0), post("p1", 5, 0)})
	if s.Len() != 1 {
		t.Fatalf("ожидали один пост, получили %d", s.Len())
	}
}

func TestAppendPageMergesExisting(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 1, 0), post("p2", 0, 0)})
	s.AppendPage([]domain.Post{post("p2", 4, 0), post("p3", 0, 0)})

	if s.Len() != 3 {
		t.Fatalf("ожидали 3 поста, получили %d", s.Len())
	}
	got, _ := s.Get("p2")
	if got.LikeCount != 4 {
		t.Fatalf("совпавший пост должен слиться со свежими счётчиками: %d", got.LikeCount)
	}
	snap := s.Snapshot()
	if snap[1].ID != "p2" || snap[2].ID != "p3" {
		t.Fatalf("порядок нарушен: %v", []string{snap[0].ID, snap[1].ID, snap[2].ID})
	}
}

func TestPrependRejectsDuplicate(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 0)})
	if !s.Prepend(post("p0", 0, 0)) {
		t.Fatalf("новый пост должен вставиться")
	}
	if s.Prepend(post("p0", 0, 0)) {
		t.Fatalf("повторная вставка должна отклониться")
	}
	if s.Snapshot()[0].ID != "p0" {
		t.Fatalf("вставленный пост должен стоять первым")
	}
}

func TestInsertReplyIncrementsAndExpands(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 0)})
	if !s.InsertReply("p1", post("r1", 0, 0)) {
		t.Fatalf("ответ должен вставиться")
	}
	if s.InsertReply("p1", post("r1", 0, 0)) {
		t.Fatalf("повторный ответ должен отклониться")
	}
	if s.InsertReply("ghost", post("r2", 0, 0)) {
		t.Fatalf("вставка под несуществующего родителя должна отклониться")
	}

	got, _ := s.Get("p1")
	if got.ReplyCount != 1 || len(got.Replies) != 1 || !got.IsExpanded {
		t.Fatalf("неожиданное состояние родителя: %+v", got)
	}
}

func TestPatchCountersFloorsAtZero(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 0)})
	s.PatchCounters("p1", domain.CounterDelta{LikeDelta: -5, ReplyDelta: -5})
	got, _ := s.Get("p1")
	if got.LikeCount != 0 || got.ReplyCount != 0 {
		t.Fatalf("счётчики не опускаются ниже нуля: %d/%d", got.LikeCount, got.ReplyCount)
	}
}

func TestVersionGrowsOnVisibleMutations(t *testing.T) {
	s := NewStore()
	v0 := s.Version()
	s.ResetTopLevel([]domain.Post{post("p1", 0, 0)})
	v1 := s.Version()
	if v1 <= v0 {
		t.Fatalf("версия должна расти: %d -> %d", v0, v1)
	}
	s.PatchCounters("p1", domain.CounterDelta{LikeDelta: 1})
	if s.Version() <= v1 {
		t.Fatalf("поправка счётчика должна поднять версию")
	}
	// мутации мимо хранилища версию не трогают
	if s.PatchCounters("ghost", domain.CounterDelta{LikeDelta: 1}) {
		t.Fatalf("несуществующий пост не патчится")
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore()
	s.ResetTopLevel([]domain.Post{post("p1", 1, 0)})
	snap := s.Snapshot()
	snap[0].LikeCount = 100

	got, _ := s.Get("p1")
	if got.LikeCount != 1 {
		t.Fatalf("снимок не должен делить память с хранилищем: %d", got.LikeCount)
	}
}
