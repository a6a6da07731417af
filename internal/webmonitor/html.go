package webmonitor

const indexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Birdwatch Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: system-ui, sans-serif; background: #14181c; color: #e6e6e6; margin: 0; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background: #1e242a; border-radius: 8px; padding: 12px; }
        .panel h2 { margin: 0 0 8px 0; font-size: 16px; }
        .badge { padding: 2px 8px; border-radius: 10px; background: #39424c; font-size: 12px; }
        .badge.live { background: #2e7d32; }
        .badge.error { background: #c62828; }
        #live { width: 100%; border-radius: 6px; background: #000; }
        .row { display: flex; gap: 8px; align-items: center; margin: 6px 0; }
        .swatch { display: inline-block; width: 10px; height: 10px; border-radius: 2px; margin-right: 6px; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { padding: 4px; text-align: left; border-bottom: 1px solid #2c343c; }
        progress { width: 100%; }
        button { background: #39424c; color: #e6e6e6; border: 0; border-radius: 4px; padding: 6px 12px; cursor: pointer; }
        button:hover { background: #4a5560; }
        .muted { color: #8a949e; font-size: 12px; }
    </style>
</head>
<body>
<div class="app">
    <div class="header">
        <div><strong>Birdwatch</strong> <span class="muted">live bird detection</span></div>
        <span class="badge" id="status-badge">Idle</span>
    </div>

    <div class="grid">
        <div class="panel">
            <h2>Live View</h2>
            <img id="live" src="/stream" alt="live view">
            <div class="row">
                <button id="btn-start">Start</button>
                <button id="btn-stop">Stop</button>
                <label class="muted">conf <input id="conf" type="range" min="0" max="1" step="0.05" value="0.25"></label>
                <span id="conf-value" class="muted">0.25</span>
                <label class="muted">interval ms <input id="interval" type="number" min="120" step="10" value="200" style="width:70px"></label>
            </div>
            <div id="error" class="muted"></div>
        </div>

        <div class="panel">
            <h2>Stats</h2>
            <div class="row"><span class="muted">latency</span> <span id="latency">-</span></div>
            <div class="row"><span class="muted">effective fps</span> <span id="fps">-</span></div>
            <div class="row"><span class="muted">detections</span> <span id="count">-</span></div>
            <h2>Top species</h2>
            <div id="species" class="muted">none yet</div>
            <h2>Recent</h2>
            <div id="history" class="muted"></div>
        </div>

        <div class="panel" style="grid-column: span 2;">
            <h2>Video analysis</h2>
            <form id="job-form" class="row">
                <input type="file" name="file" accept="video/*">
                <label class="muted">conf <input name="conf" type="number" min="0" max="1" step="0.05" value="0.25" style="width:60px"></label>
                <label class="muted">stride <input name="stride" type="number" min="1" value="5" style="width:50px"></label>
                <button type="submit">Analyze</button>
            </form>
            <table>
                <thead><tr><th>job</th><th>file</th><th>state</th><th>progress</th><th>top species</th><th></th></tr></thead>
                <tbody id="jobs"></tbody>
            </table>
        </div>
    </div>
</div>
<script>
const $ = (id) => document.getElementById(id);

function post(path, body) {
    return fetch(path, {
        method: 'POST',
        headers: {'Content-Type': 'application/json'},
        body: body ? JSON.stringify(body) : undefined,
    }).then(r => r.json().then(j => ({ok: r.ok, body: j})));
}

$('btn-start').onclick = () => post('/api/session/start').then(r => {
    $('error').textContent = r.ok ? '' : r.body.error;
});
$('btn-stop').onclick = () => post('/api/session/stop');
$('conf').oninput = (e) => { $('conf-value').textContent = e.target.value; };
$('conf').onchange = (e) => post('/api/session/params', {confidence: parseFloat(e.target.value)});
$('interval').onchange = (e) => post('/api/session/params', {min_interval_ms: parseInt(e.target.value, 10)});

function renderStatus(s) {
    const session = s.session || {};
    const badge = $('status-badge');
    badge.textContent = session.active ? 'Live (' + session.state + ')' : 'Idle';
    badge.className = 'badge' + (session.active ? ' live' : '');
    const m = s.monitor || {};
    $('latency').textContent = m.last_latency_ms ? m.last_latency_ms + ' ms' : '-';
    $('fps').textContent = m.effective_fps || '-';
    $('count').textContent = m.detection_count != null ? m.detection_count : '-';
    const top = m.top_species || [];
    $('species').innerHTML = top.length ? top.map(sp =>
        '<div class="row"><span class="swatch" style="background:' + sp.color + '"></span>' +
        sp.class_name + ' <span class="muted">x' + sp.count + '</span></div>').join('') : 'none yet';
    $('history').innerHTML = (s.detection_history || []).map(h =>
        '<div>#' + h.frame_number + ': ' + h.detections.map(d => d.class_name).join(', ') + '</div>').join('');
    if (s.last_error) {
        $('error').textContent = 'last error: ' + s.last_error.message;
    }
}

const statusSource = new EventSource('/api/status/stream');
statusSource.onmessage = (e) => renderStatus(JSON.parse(e.data));

function renderJobs(jobs) {
    $('jobs').innerHTML = jobs.map(j => {
        const top = j.result && j.result.top_species_overall ? j.result.top_species_overall : '';
        const link = j.state === 'done' && j.artifact_bytes ? '<a href="/api/jobs/' + j.id + '/artifact">download</a>' : (j.error || j.artifact_error || '');
        return '<tr><td>' + j.id + '</td><td>' + (j.filename || '') + '</td><td>' + j.state +
            (j.cached ? ' (cached)' : '') + '</td><td><progress max="1" value="' + j.progress + '"></progress></td><td>' +
            top + '</td><td>' + link + '</td></tr>';
    }).join('');
}

function refreshJobs() {
    fetch('/api/jobs').then(r => r.json()).then(b => renderJobs(b.jobs || []));
}
setInterval(refreshJobs, 2000);
refreshJobs();

$('job-form').onsubmit = (e) => {
    e.preventDefault();
    fetch('/api/jobs', {method: 'POST', body: new FormData(e.target)})
        .then(r => r.json())
        .then(b => { if (b.error) { alert(b.error); } refreshJobs(); });
};
</script>
</body>
</html>
`
